package providers

// buildRequestBody translates a CompletionRequest into the Anthropic
// Messages API shape. Tool results ride as user-role tool_result blocks;
// assistant tool calls ride as tool_use blocks.
func (c *AnthropicClient) buildRequestBody(req CompletionRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// System content is hoisted into the top-level system field.
			continue

		case "user", "assistant":
			if len(msg.Blocks) > 0 {
				messages = append(messages, map[string]interface{}{
					"role":    msg.Role,
					"content": blocksToAnthropic(msg.Blocks),
				})
				continue
			}
			if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
				var blocks []map[string]interface{}
				if msg.Content != "" {
					blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Name,
						"input": tc.Arguments,
					})
				}
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})
				continue
			}
			messages = append(messages, map[string]interface{}{
				"role":    msg.Role,
				"content": msg.Content,
			})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 4096,
		"messages":   messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if stream {
		body["stream"] = true
	}

	system := req.System
	for _, msg := range req.Messages {
		if msg.Role == "system" && msg.Content != "" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		}
	}
	if system != "" {
		body["system"] = []map[string]interface{}{
			{"type": "text", "text": system, "cache_control": map[string]string{"type": "ephemeral"}},
		}
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}

	return body
}

func blocksToAnthropic(blocks []ContentBlock) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(blocks))
	for _, b := range blocks {
		var m map[string]interface{}
		switch b.Type {
		case "text":
			m = map[string]interface{}{"type": "text", "text": b.Text}
		case "thinking":
			m = map[string]interface{}{"type": "thinking", "thinking": b.Thinking}
			if b.Signature != "" {
				m["signature"] = b.Signature
			}
		case "tool_use":
			m = map[string]interface{}{"type": "tool_use", "id": b.ID, "name": b.Name, "input": b.Input}
		case "tool_result":
			m = map[string]interface{}{"type": "tool_result", "tool_use_id": b.ToolUseID, "content": b.Content}
			if b.IsError {
				m["is_error"] = true
			}
		case "image":
			m = map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			}
		default:
			continue
		}
		if b.CacheControl != nil {
			m["cache_control"] = map[string]string{"type": b.CacheControl.Type}
		}
		out = append(out, m)
	}
	return out
}

// ApplyPromptCaching marks the last content block of the three most recent
// user messages with ephemeral cache_control and strips the marker from
// older messages. Anthropic dialect only.
func ApplyPromptCaching(messages []Message) []Message {
	// Strip everywhere first, then re-mark the most recent three.
	for i := range messages {
		for j := range messages[i].Blocks {
			messages[i].Blocks[j].CacheControl = nil
		}
	}

	marked := 0
	for i := len(messages) - 1; i >= 0 && marked < 3; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if len(messages[i].Blocks) == 0 {
			if messages[i].Content != "" {
				messages[i].Blocks = []ContentBlock{{Type: "text", Text: messages[i].Content}}
				messages[i].Content = ""
			} else {
				continue
			}
		}
		last := len(messages[i].Blocks) - 1
		messages[i].Blocks[last].CacheControl = &CacheControl{Type: "ephemeral"}
		marked++
	}
	return messages
}

package chatcompletion

import (
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/inspirepan/stepchat"
)

const emptyToolOutput = "<system-reminder>Tool ran without output or errors</system-reminder>"

// buildParams converts the conversation into request params. Model and
// generation options are set by the caller.
func buildParams(req stepchat.OpenRequest, history []openai.ChatCompletionMessageParamUnion, cacheControl bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{}

	if req.Instructions != "" {
		if cacheControl {
			textPart := openai.ChatCompletionContentPartTextParam{Text: req.Instructions}
			textPart.SetExtraFields(map[string]any{
				"cache_control": map[string]any{"type": "ephemeral"},
			})
			params.Messages = append(params.Messages, openai.SystemMessage([]openai.ChatCompletionContentPartTextParam{textPart}))
		} else {
			params.Messages = append(params.Messages, openai.SystemMessage(req.Instructions))
		}
	}
	params.Messages = append(params.Messages, history...)

	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, convertToolSpec(spec))
	}
	if len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String("auto"),
		}
		// Calls are dispatched one at a time in arrival order.
		params.ParallelToolCalls = openai.Bool(false)
	}

	if cacheControl {
		addCacheControlToLastMessage(params.Messages)
	}
	return params
}

// addCacheControlToLastMessage marks the last user or tool message. The
// marked message is copied so the stored history is left untouched, and a
// string body is converted to the content-part form the marker needs.
func addCacheControlToLastMessage(messages []openai.ChatCompletionMessageParamUnion) {
	marker := map[string]any{"cache_control": map[string]any{"type": "ephemeral"}}
	for i := len(messages) - 1; i >= 0; i-- {
		msg := &messages[i]
		if msg.OfUser != nil {
			user := *msg.OfUser
			msg.OfUser = &user
			if user.Content.OfString.Valid() {
				part := openai.TextContentPart(user.Content.OfString.Value)
				part.OfText.SetExtraFields(marker)
				user.Content.OfString = param.Opt[string]{}
				user.Content.OfArrayOfContentParts = []openai.ChatCompletionContentPartUnionParam{part}
				return
			}
			parts := append([]openai.ChatCompletionContentPartUnionParam(nil), user.Content.OfArrayOfContentParts...)
			user.Content.OfArrayOfContentParts = parts
			for j := len(parts) - 1; j >= 0; j-- {
				if parts[j].OfText != nil {
					text := *parts[j].OfText
					text.SetExtraFields(marker)
					parts[j].OfText = &text
					return
				}
			}
			return
		}
		if msg.OfTool != nil {
			tool := *msg.OfTool
			msg.OfTool = &tool
			if tool.Content.OfString.Valid() {
				part := openai.ChatCompletionContentPartTextParam{Text: tool.Content.OfString.Value}
				part.SetExtraFields(marker)
				tool.Content.OfString = param.Opt[string]{}
				tool.Content.OfArrayOfContentParts = []openai.ChatCompletionContentPartTextParam{part}
				return
			}
			parts := append([]openai.ChatCompletionContentPartTextParam(nil), tool.Content.OfArrayOfContentParts...)
			tool.Content.OfArrayOfContentParts = parts
			if len(parts) > 0 {
				parts[len(parts)-1].SetExtraFields(marker)
			}
			return
		}
	}
}

// toolCall is a finished function call of the streamed assistant message.
type toolCall struct {
	id   string
	name string
	args string
}

func assistantMessage(text string, calls []toolCall) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if text != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text),
		}
	}
	for _, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: c.id,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      c.name,
					Arguments: c.args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func toolMessage(out stepchat.ToolOutput) openai.ChatCompletionMessageParamUnion {
	content := out.Output
	if content == "" {
		content = emptyToolOutput
	}
	return openai.ToolMessage(content, out.CallID)
}

func convertToolSpec(spec stepchat.ToolSpec) openai.ChatCompletionToolUnionParam {
	params := spec.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	def := shared.FunctionDefinitionParam{
		Name:       spec.Name,
		Parameters: shared.FunctionParameters(params),
	}
	if spec.Description != "" {
		def.Description = openai.String(spec.Description)
	}
	return openai.ChatCompletionFunctionTool(def)
}

package stepchat

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
)

// Normalizer maps upstream events into internal events. It performs no I/O;
// annotations and finished calls are handed back to the caller as
// AnnotationFound and ToolReady.
type Normalizer struct {
	// ShowToolDetail emits argument and code fragments as ToolArgsAppended.
	ShowToolDetail bool
	Logger         *slog.Logger
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger == nil {
		return discardLogger
	}
	return n.Logger
}

// Normalize applies ev to st and returns the internal events it produces.
func (n *Normalizer) Normalize(ev UpstreamEvent, st *TurnState) []Event {
	switch e := ev.(type) {
	case StreamStarted:
		st.ResponseID = e.ResponseID
		return nil

	case ItemStarted:
		return n.itemStarted(e, st)

	case TextDelta:
		if st.ActiveItemID == "" {
			n.logger().Warn("dropping text delta without active item", "item_id", e.ItemID)
			return nil
		}
		if e.Text == "" {
			return nil
		}
		return []Event{TextAppended{ItemID: st.ActiveItemID, Text: html.EscapeString(e.Text)}}

	case AnnotationAdded:
		if st.ActiveItemID == "" || e.Annotation == nil {
			n.logger().Warn("dropping annotation without active item", "item_id", e.ItemID)
			return nil
		}
		return []Event{AnnotationFound{ItemID: st.ActiveItemID, Annotation: e.Annotation}}

	case ToolArgumentsDelta:
		return n.argumentsDelta(e, st)

	case ToolCodeDelta:
		if !n.ShowToolDetail || st.ActiveItemID == "" || e.Code == "" {
			return nil
		}
		return []Event{ToolArgsAppended{ItemID: st.ActiveItemID, Fragment: html.EscapeString(e.Code)}}

	case ImageProduced:
		if st.ActiveItemID == "" {
			n.logger().Warn("dropping image without active item", "item_id", e.ItemID)
			return nil
		}
		return []Event{ImageReady{ItemID: st.ActiveItemID, URL: e.URL}}

	case ToolCallFinished:
		return n.callFinished(e, st)

	case StreamCompleted:
		return []Event{TurnSegmentCompleted{}}

	case StreamFailed:
		cause := e.Cause
		if cause == nil {
			cause = ErrUpstreamFailed
		}
		return []Event{TurnFailed{Cause: cause}}

	case UnknownEvent:
		n.logger().Debug("ignoring upstream event", "type", e.Type)
		return nil
	}

	n.logger().Debug("ignoring upstream event", "type", fmt.Sprintf("%T", ev))
	return nil
}

func (n *Normalizer) itemStarted(e ItemStarted, st *TurnState) []Event {
	if e.ItemID == "" {
		return nil
	}
	switch e.Kind {
	case ItemMessage:
		st.ActiveItemID, st.ActiveKind = e.ItemID, e.Kind
		if !st.announce(e.ItemID) {
			return nil
		}
		return []Event{MessageCreated{ItemID: e.ItemID}}
	case ItemFunctionCall, ItemToolCall:
		st.ActiveItemID, st.ActiveKind = e.ItemID, e.Kind
		created := st.announce(e.ItemID)
		// The call id shares the item's container.
		if e.CallID != "" {
			st.announced[e.CallID] = true
		}
		if !created {
			return nil
		}
		return []Event{ToolCallCreated{ItemID: e.ItemID, ToolName: e.ToolName}}
	}
	n.logger().Debug("ignoring output item", "item_id", e.ItemID, "kind", string(e.Kind))
	return nil
}

func (n *Normalizer) argumentsDelta(e ToolArgumentsDelta, st *TurnState) []Event {
	if e.CallID == "" {
		n.logger().Warn("dropping argument fragment without call id")
		return nil
	}
	var out []Event
	prev, seen := st.PendingArguments[e.CallID]
	st.PendingArguments[e.CallID] = prev + e.Fragment

	target := e.CallID
	if st.activeCall() {
		target = st.ActiveItemID
	}
	if !seen && st.announce(target) {
		st.announced[e.CallID] = true
		out = append(out, ToolCallCreated{ItemID: target})
	}
	if n.ShowToolDetail && e.Fragment != "" {
		out = append(out, ToolArgsAppended{ItemID: target, Fragment: html.EscapeString(e.Fragment)})
	}
	return out
}

func (n *Normalizer) callFinished(e ToolCallFinished, st *TurnState) []Event {
	key := e.CallID
	if key == "" {
		key = e.ItemID
	}
	if key == "" {
		n.logger().Warn("dropping finished call without id", "tool", e.ToolName)
		return nil
	}
	if st.finished[key] {
		n.logger().Warn("ignoring duplicate finished call", "call_id", key, "tool", e.ToolName)
		return nil
	}

	args, ok := st.PendingArguments[key]
	if !ok {
		if e.ArgumentsJSON == "" {
			n.logger().Warn("ignoring finished call without pending arguments", "call_id", key, "tool", e.ToolName)
			return nil
		}
		args = e.ArgumentsJSON
	}
	delete(st.PendingArguments, key)
	st.finished[key] = true

	itemID := e.ItemID
	if itemID == "" {
		itemID = key
	}

	var out []Event
	if !st.Announced(itemID) && !st.Announced(key) {
		st.announce(itemID)
		out = append(out, ToolCallCreated{ItemID: itemID, ToolName: e.ToolName})
	}

	out = append(out, ToolReady{
		ItemID:    itemID,
		CallID:    key,
		ToolName:  e.ToolName,
		Arguments: n.parseArguments(key, args),
	})
	return out
}

func (n *Normalizer) parseArguments(callID, args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(args)) {
		n.logger().Error("tool arguments are not valid JSON, using empty object", "call_id", callID, "arguments", args)
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

var discardLogger = slog.New(slog.DiscardHandler)

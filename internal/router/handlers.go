package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/model"
)

func (r *Router) installDefaultHandlers() {
	r.handlers[model.MsgSoulBindingNotification] = r.logHandler("soul binding notification")
	r.handlers[model.MsgElderCommunication] = r.logHandler("elder communication")
	r.handlers[model.MsgHierarchyResponse] = r.logHandler("hierarchy response")
	r.handlers[model.MsgHierarchyQuery] = r.handleHierarchyQuery
	r.handlers[model.MsgSoulBindingTest] = r.handleBindingTest
	r.handlers[model.MsgCriticalSecurityBreach] = r.handleUnroutedBreach
}

func (r *Router) logHandler(what string) Handler {
	return func(_ context.Context, msg model.Message) error {
		r.logger.Info(what,
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
			zap.Any("content", msg.Content))
		return nil
	}
}

// handleHierarchyQuery answers the sender with the tree status, the
// receiver's children, and the path the query travelled.
func (r *Router) handleHierarchyQuery(ctx context.Context, msg model.Message) error {
	responder, err := r.dir.Node(msg.ReceiverID)
	if err != nil {
		return err
	}
	st := r.dir.Status()

	children := make([]any, 0, len(responder.ChildrenIDs))
	for _, c := range responder.ChildrenIDs {
		children = append(children, c)
	}
	path := make([]any, 0, len(msg.HierarchyPath))
	for _, p := range msg.HierarchyPath {
		path = append(path, p)
	}

	return r.Notify(ctx, model.Message{
		SenderID:    msg.ReceiverID,
		ReceiverID:  msg.SenderID,
		MessageType: model.MsgHierarchyResponse,
		Priority:    msg.Priority,
		Content: map[string]any{
			"query_id": msg.ID,
			"status": map[string]any{
				"total_nodes":      st.TotalNodes,
				"bound_souls":      st.BoundSouls,
				"binding_rate":     st.BindingRate,
				"hierarchy_health": st.HierarchyHealth,
			},
			"children": children,
			"path":     path,
		},
	})
}

func (r *Router) handleBindingTest(_ context.Context, msg model.Message) error {
	r.logger.Debug("binding test acknowledged",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID))
	return nil
}

// handleUnroutedBreach runs when no escalation handler is registered.
func (r *Router) handleUnroutedBreach(_ context.Context, msg model.Message) error {
	r.logger.Error("critical security breach reported with no escalation handler",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.Any("content", msg.Content))
	return nil
}

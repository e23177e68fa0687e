package ws

import (
	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/knowledge"
	v1 "github.com/relaypoint/supervisor/pkg/api/v1"
)

// SubscribeKnowledge wires store's events onto the hub as knowledge_*
// control frames, delivered to every connected client regardless of
// per-process subscriptions.
func (h *Hub) SubscribeKnowledge(store *knowledge.Store) {
	store.Subscribe(func(e knowledge.Event) {
		frame, err := knowledgeFrame(e)
		if err != nil || frame == nil {
			if err != nil {
				h.logger.Error("failed to build knowledge frame", zap.Error(err))
			}
			return
		}
		h.BroadcastKnowledge(frame)
	})
}

func knowledgeFrame(e knowledge.Event) (*v1.Frame, error) {
	switch e.Topic {
	case knowledge.TopicDeleted:
		return v1.NewFrame(v1.TypeKnowledgeDeleted, v1.KnowledgeDeletedData{ID: e.ID})
	case knowledge.TopicCreated:
		return v1.NewFrame(v1.TypeKnowledgeCreated, entryData(e))
	case knowledge.TopicUpdated, knowledge.TopicAccepted, knowledge.TopicLinked:
		return v1.NewFrame(v1.TypeKnowledgeUpdated, entryData(e))
	default:
		return nil, nil
	}
}

func entryData(e knowledge.Event) v1.KnowledgeEntryData {
	if e.Entry == nil {
		return v1.KnowledgeEntryData{ID: e.ID}
	}
	return v1.KnowledgeEntryData{
		ID:        e.Entry.ID,
		Type:      string(e.Entry.Type),
		Status:    string(e.Entry.Status),
		Title:     e.Entry.Title,
		Tags:      e.Entry.Tags,
		UpdatedAt: e.Entry.UpdatedAt,
	}
}

package assembler

import (
	"sort"
	"strings"
	"time"

	"dev.callstream.pipeline/internal/models"
)

// buffer accumulates the messages of one call while the conversation is
// still in flight. All access is confined to the assembler's event loop.
type buffer struct {
	callID       string
	ban          string
	subscriberNo string

	messages []*models.ConversationMessage
	index    map[int64]*models.ConversationMessage

	agentCount    int
	customerCount int

	startTime    time.Time
	endTime      time.Time
	lastActivity time.Time
	createdAt    time.Time

	damping time.Duration
}

func newBuffer(callID string, damping time.Duration, now time.Time) *buffer {
	return &buffer{
		callID:       callID,
		index:        make(map[int64]*models.ConversationMessage),
		createdAt:    now,
		lastActivity: now,
		damping:      damping,
	}
}

// upsert adds or replaces the message identified by the event's changeLogId,
// keeps the slice sorted by timestamp, and widens the conversation window.
func (b *buffer) upsert(ev *models.ChangeEvent, now time.Time) {
	if b.ban == "" {
		b.ban = ev.BAN
	}
	if b.subscriberNo == "" {
		b.subscriberNo = ev.SubscriberNo
	}

	speaker := ev.Speaker()

	if existing, ok := b.index[ev.ChangeLogID]; ok {
		b.adjustCount(existing.Speaker, -1)
		existing.Speaker = speaker
		existing.Owner = ev.Owner
		existing.Text = ev.Text
		existing.Timestamp = ev.TextTime
		b.adjustCount(speaker, 1)
	} else {
		msg := &models.ConversationMessage{
			CallID:      ev.CallID,
			ChangeLogID: ev.ChangeLogID,
			Speaker:     speaker,
			Owner:       ev.Owner,
			Text:        ev.Text,
			Timestamp:   ev.TextTime,
		}
		b.messages = append(b.messages, msg)
		b.index[ev.ChangeLogID] = msg
		b.adjustCount(speaker, 1)
	}

	b.resort()
	b.extendWindow(ev.TextTime)
	b.touch(now)
}

// remove drops the message identified by changeLogId, if present, and
// recomputes the conversation window from the survivors.
func (b *buffer) remove(changeLogID int64, now time.Time) bool {
	msg, ok := b.index[changeLogID]
	if !ok {
		return false
	}
	delete(b.index, changeLogID)
	for i, m := range b.messages {
		if m.ChangeLogID == changeLogID {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			break
		}
	}
	b.adjustCount(msg.Speaker, -1)
	b.recomputeWindow()
	b.touch(now)
	return true
}

func (b *buffer) size() int { return len(b.messages) }

func (b *buffer) adjustCount(speaker string, delta int) {
	if speaker == models.SpeakerAgent {
		b.agentCount += delta
	} else {
		b.customerCount += delta
	}
}

func (b *buffer) resort() {
	sort.SliceStable(b.messages, func(i, j int) bool {
		if b.messages[i].Timestamp.Equal(b.messages[j].Timestamp) {
			return b.messages[i].ChangeLogID < b.messages[j].ChangeLogID
		}
		return b.messages[i].Timestamp.Before(b.messages[j].Timestamp)
	})
}

func (b *buffer) extendWindow(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if b.startTime.IsZero() || ts.Before(b.startTime) {
		b.startTime = ts
	}
	if b.endTime.IsZero() || ts.After(b.endTime) {
		b.endTime = ts
	}
}

func (b *buffer) recomputeWindow() {
	b.startTime, b.endTime = time.Time{}, time.Time{}
	for _, m := range b.messages {
		b.extendWindow(m.Timestamp)
	}
}

// touch advances lastActivity, damped so that bursty batches within the
// damping window count as one activity burst.
func (b *buffer) touch(now time.Time) {
	if b.lastActivity.IsZero() || now.Sub(b.lastActivity) >= b.damping {
		b.lastActivity = now
	}
}

// snapshot renders the buffer as an emissible assembly.
func (b *buffer) snapshot(now time.Time) *models.ConversationAssembly {
	messages := make([]models.ConversationMessage, len(b.messages))
	for i, m := range b.messages {
		messages[i] = *m
	}

	var text strings.Builder
	for i, m := range messages {
		if i > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(m.Speaker)
		text.WriteString(": ")
		text.WriteString(m.Text)
	}

	var agents []string
	seen := make(map[string]bool)
	for _, m := range messages {
		if m.Speaker == models.SpeakerAgent && !seen[m.Owner] {
			seen[m.Owner] = true
			agents = append(agents, m.Owner)
		}
	}
	var customers []string
	if b.subscriberNo != "" {
		customers = append(customers, b.subscriberNo)
	}

	return &models.ConversationAssembly{
		CallID:               b.callID,
		CustomerID:           b.ban,
		SubscriberID:         b.subscriberNo,
		Messages:             messages,
		ConversationText:     text.String(),
		StartTime:            b.startTime,
		EndTime:              b.endTime,
		Duration:             b.endTime.Sub(b.startTime).Milliseconds(),
		MessageCount:         len(messages),
		AgentMessageCount:    b.agentCount,
		CustomerMessageCount: b.customerCount,
		Participants: models.Participants{
			Agent:    agents,
			Customer: customers,
		},
		AssembledAt: now,
	}
}

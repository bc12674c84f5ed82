package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Entity event kinds.
const (
	EventTracked   = "TRACKED"
	EventIgnored   = "IGNORED"
	EventDisabled  = "DISABLED"
	EventUnloaded  = "UNLOADED"
	EventLeveled   = "LEVELED"
	EventCancelled = "CANCELLED"
)

// Reasons attached to IGNORED, DISABLED and CANCELLED events.
const (
	ReasonBadCore      = "BAD_CORE"
	ReasonCoreRemoved  = "CORE_REMOVED"
	ReasonUnpowered    = "UNPOWERED"
	ReasonNoThrusters  = "NO_THRUSTERS"
	ReasonNoGenerators = "NO_GENERATORS"

	ReasonEntityUnloaded    = "ENTITY_UNLOADED"
	ReasonPartitionUnloaded = "PARTITION_UNLOADED"
	ReasonTargetGone        = "TARGET_GONE"
)

// ENTITY_EVENT (server -> observers)
type EntityEvent struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EventID         string `json:"event_id" db:"event_id"`
	Kind            string `json:"kind" db:"kind"`
	Partition       string `json:"partition" db:"partition"`
	EntityID        int    `json:"entity_id" db:"entity_id"`
	EntityName      string `json:"entity_name,omitempty" db:"entity_name"`
	Reason          string `json:"reason,omitempty" db:"reason"`
	Tick            uint64 `json:"tick" db:"tick"`
	AtMS            int64  `json:"at_ms" db:"at_ms"`
}

func NewEntityEvent(kind, partition string, entityID int, name, reason string, tick uint64, at time.Time) EntityEvent {
	return EntityEvent{
		Type:            TypeEntityEvent,
		ProtocolVersion: Version,
		EventID:         uuid.NewString(),
		Kind:            kind,
		Partition:       partition,
		EntityID:        entityID,
		EntityName:      name,
		Reason:          reason,
		Tick:            tick,
		AtMS:            at.UnixMilli(),
	}
}

// SUBSCRIBE (observer -> server). Empty filters match everything.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Partitions      []string `json:"partitions,omitempty"`
	Kinds           []string `json:"kinds,omitempty"`
}

// CHAT (server -> observers): announcements broadcast to a partition.
type ChatMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Partition       string `json:"partition"`
	Text            string `json:"text"`
	AtMS            int64  `json:"at_ms"`
}

func NewChatMsg(partition, text string, at time.Time) ChatMsg {
	return ChatMsg{
		Type:            TypeChat,
		ProtocolVersion: Version,
		Partition:       partition,
		Text:            text,
		AtMS:            at.UnixMilli(),
	}
}

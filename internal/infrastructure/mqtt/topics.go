package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic prefixes of the middts MQTT hierarchy.
const (
	// TopicPrefix is the root of every middts topic.
	TopicPrefix = "middts"

	// TopicPrefixSync carries causal property sync events.
	TopicPrefixSync = "middts/sync"

	// TopicPrefixProperty carries inbound property commands.
	TopicPrefixProperty = "middts/property"

	// TopicPrefixSystem carries process status.
	TopicPrefixSystem = "middts/system"
)

// Sync outcomes used as the last topic level of a sync event.
const (
	SyncReconciled = "reconciled"
	SyncRejected   = "rejected"
)

// Topics provides builders for middts MQTT topics.
//
//	topic := mqtt.Topics{}.SyncEvent(3, 42, mqtt.SyncReconciled)
//	// Returns: "middts/sync/3/42/reconciled"
type Topics struct{}

// SyncEvent returns the topic of one sync outcome of a twin property.
//
// Example: middts/sync/3/42/reconciled
func (Topics) SyncEvent(instanceID, propertyID int64, outcome string) string {
	return fmt.Sprintf("%s/%d/%d/%s", TopicPrefixSync, instanceID, propertyID, outcome)
}

// PropertySet returns the command topic that requests a write to a twin property.
//
// Example: middts/property/42/set
func (Topics) PropertySet(propertyID int64) string {
	return fmt.Sprintf("%s/%d/set", TopicPrefixProperty, propertyID)
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: middts/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllPropertySets matches every property command.
//
// Pattern: middts/property/+/set
func (Topics) AllPropertySets() string {
	return TopicPrefixProperty + "/+/set"
}

// ParsePropertySet extracts the property id from a PropertySet topic.
func ParsePropertySet(topic string) (int64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0]+"/"+parts[1] != TopicPrefixProperty || parts[3] != "set" {
		return 0, fmt.Errorf("%w: %q is not a property command", ErrInvalidTopic, topic)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: property id %q: %w", ErrInvalidTopic, parts[2], err)
	}
	return id, nil
}

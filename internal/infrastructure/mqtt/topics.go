package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every boardfleet topic.
const TopicPrefix = "boardfleet"

// Topics builds boardfleet topic names.
//
//	topics := mqtt.Topics{}
//	topics.ServiceStatus("dev_A") // boardfleet/service/dev_A/status
type Topics struct{}

// ServiceStatus is the retained status snapshot of one supervised service.
func (Topics) ServiceStatus(serviceID string) string {
	return fmt.Sprintf("%s/service/%s/status", TopicPrefix, serviceID)
}

// ServiceCommand carries start, stop and restart requests for one service.
func (Topics) ServiceCommand(serviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, serviceID)
}

// DeviceEvent carries events raised by the host of one board.
func (Topics) DeviceEvent(serviceID string) string {
	return fmt.Sprintf("%s/device/%s/event", TopicPrefix, serviceID)
}

// Presence is the online/offline topic of a client, also used as its LWT.
func (Topics) Presence(clientID string) string {
	return fmt.Sprintf("%s/system/%s/status", TopicPrefix, clientID)
}

// AllServiceCommands matches every service command topic.
func (Topics) AllServiceCommands() string {
	return TopicPrefix + "/command/+"
}

// AllServiceStatuses matches every service status topic.
func (Topics) AllServiceStatuses() string {
	return TopicPrefix + "/service/+/status"
}

// AllDeviceEvents matches every device event topic.
func (Topics) AllDeviceEvents() string {
	return TopicPrefix + "/device/+/event"
}

// ServiceIDFromCommand extracts the service id from a command topic.
func (Topics) ServiceIDFromCommand(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

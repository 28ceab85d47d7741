package mqtt

import "strings"

// TopicPrefix roots every topic the bridge uses.
const TopicPrefix = "avrbridge"

// Topics builds the bridge's topic names. Per-site topics follow
// avrbridge/{kind}/{site}[/{property or request id}].
//
//	mqtt.Topics{}.State("lounge", "volume.master") // avrbridge/state/lounge/volume.master
type Topics struct{}

func topic(parts ...string) string {
	return TopicPrefix + "/" + strings.Join(parts, "/")
}

// State carries one property's retained value.
func (Topics) State(site, property string) string { return topic("state", site, property) }

// Status carries the retained, debounced status snapshot.
func (Topics) Status(site string) string { return topic("status", site) }

// Command receives applies addressed to property.
func (Topics) Command(site, property string) string { return topic("command", site, property) }

// Ack answers a command.
func (Topics) Ack(site, property string) string { return topic("ack", site, property) }

// Request receives queries addressed to property.
func (Topics) Request(site, property string) string { return topic("request", site, property) }

// Response answers the request with requestID.
func (Topics) Response(site, requestID string) string { return topic("response", site, requestID) }

// Health carries the retained bridge health, including the will.
func (Topics) Health(site string) string { return topic("health", site) }

// SystemStatus carries the process presence (online or offline).
func (Topics) SystemStatus() string { return topic("system", "status") }

// AllCommands matches every command topic of site.
func (Topics) AllCommands(site string) string { return topic("command", site, "+") }

// AllRequests matches every request topic of site.
func (Topics) AllRequests(site string) string { return topic("request", site, "+") }

// AllStates matches every state topic of site.
func (Topics) AllStates(site string) string { return topic("state", site, "+") }

// AllTopics matches everything under TopicPrefix.
func (Topics) AllTopics() string { return TopicPrefix + "/#" }

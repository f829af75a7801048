// Package mqtt relays progress events from the event bus to an MQTT
// broker, so dashboards and home automation can follow conversations
// and background tasks without polling the API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained "online" message to the status topic; a will
// message flips it to "offline" on unexpected disconnects. A daily token
// total is published periodically as a retained state message.
package mqtt

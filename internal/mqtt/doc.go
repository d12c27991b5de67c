// Package mqtt exposes every MirAIe air conditioner to Home Assistant
// through MQTT discovery on the local broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each device's climate, switch and sensor entities, a birth message
// ("online") on the bridge availability topic, the current state of
// every device, and subscribes to the command topics. A will message
// flips the bridge availability topic to "offline" on unexpected
// disconnects.
//
// Topic layout, with the default base topic "miraie":
//
//	miraie/bridge/availability        online | offline (retained, will)
//	miraie/bridge/<sensor>/state      bridge diagnostics
//	miraie/<device>/state             climate attributes as JSON (retained)
//	miraie/<device>/availability      online | offline (retained)
//	miraie/<device>/<attr>/set        commands from Home Assistant
//
// Device changes arrive from the bridge on the [events.Bus]; commands
// are handed to a [Source], normally the bridge registry.
package mqtt

// Package mqtt connects the middts core to an MQTT broker.
//
// The broker carries two kinds of traffic:
//   - sync events: one JSON message per reconciled or rejected causal write,
//     published with QoS 1 and never retained on
//     middts/sync/{instanceID}/{propertyID}/{reconciled|rejected}
//   - property commands: JSON values published by other services on
//     middts/property/{propertyID}/set, routed to the causal sync engine
//
// The retained middts/system/status topic says whether the core is
// "online", "stopped" after a graceful Close, or "lost" when the broker
// fires the session's will.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, log)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllPropertySets(), 1, sync.HandleCommand)
//	defer client.Unsubscribe(mqtt.Topics{}.AllPropertySets())
//
// The session is clean, so routes are subscribed again after every
// reconnect. Reconnects back off between the configured initial and
// maximum delay.
package mqtt

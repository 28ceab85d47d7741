// Package mqtt is the broker connection used by the receiver bridge.
//
// Connect wraps paho.mqtt.golang with the settings the bridge relies on:
// clean sessions, automatic reconnect with the configured backoff, and a
// retained presence message on avrbridge/system/status. Subscriptions are
// remembered and replayed after each reconnect, so callers subscribe once.
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Topics{}.Health("lounge"), will, 1, true))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands("lounge"), 1, handleCommand)
//
// Enable TLS whenever the broker is not on the same host.
package mqtt

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// connectMQTT connects to broker with the given client id and waits for the
// connection to come up.
func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt %s: connection lost: %v", clientID, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("MQTT connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect error: %w", err)
	}
	log.Printf("%s: connected to MQTT broker at %s", clientID, broker)
	return client, nil
}

// publishJSON marshals v and publishes it without waiting for delivery.
func publishJSON(client mqtt.Client, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal error (%s): %w", topic, err)
	}
	client.Publish(topic, 0, retained, payload)
	return nil
}

// subscribeJSON decodes every message on topic into a T and hands it to fn.
// Messages that do not decode are logged and dropped.
func subscribeJSON[T any](client mqtt.Client, topic string, fn func(T)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			log.Printf("mqtt: %s unmarshal error: %v", topic, err)
			return
		}
		fn(v)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Printf("mqtt: subscribed to %s", topic)
	return nil
}

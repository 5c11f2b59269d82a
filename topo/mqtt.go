package topo

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// LabelHandler receives decoded classifier labels. err is set when the
// payload could not be decoded.
type LabelHandler func(labels map[string]Classification, err error)

// MQTTClient subscribes to classifier output and owns the broker
// connection used for publishing.
type MQTTClient struct {
	client       mqtt.Client
	config       *MQTTConfig
	labelHandler LabelHandler
	nodeIDs      func() []string
	isConnected  bool
	mu           sync.RWMutex
}

// NewMQTTClient creates a client from config. MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD override the config. With no broker
// configured MQTT is disabled and this returns nil, nil. nodeIDs supplies
// the export order used to decode positional predictions.
func NewMQTTClient(config *MQTTConfig, nodeIDs func() []string, handler LabelHandler) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = config.Broker
	}
	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	client := &MQTTClient{
		config:       config,
		labelHandler: handler,
		nodeIDs:      nodeIDs,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.ClientID
	}
	if clientID == "" {
		clientID = "trailmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)
	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the labels topic. It runs again after every
// reconnect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.config.LabelsTopic
	if topic == "" {
		log.Println("[MQTT] no labels topic configured, not subscribing")
		return
	}

	log.Printf("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.labelMessageHandler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

func (c *MQTTClient) labelMessageHandler(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("[MQTT] received labels (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	var ids []string
	if c.nodeIDs != nil {
		ids = c.nodeIDs()
	}
	labels, err := ParseLabels(payload, ids)
	if err != nil {
		log.Printf("[MQTT] error decoding labels: %v", err)
	}
	if c.labelHandler != nil {
		c.labelHandler(labels, err)
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided client.
// Used by tests.
func newMQTTClientWithMock(client mqtt.Client, config *MQTTConfig, nodeIDs func() []string, handler LabelHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		labelHandler: handler,
		nodeIDs:      nodeIDs,
	}
}

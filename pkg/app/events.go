package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/womat/debug"

	"radarkit/pkg/board"
	"radarkit/pkg/mqtt"
)

// stateMessage is published to <topic>/sensor/<id>/state on every state transition.
type stateMessage struct {
	TimeStamp time.Time `json:"timestamp"`
	Sensor    int       `json:"sensor"`
	State     string    `json:"state"`
}

// interruptMessage is published to <topic>/sensor/<id>/interrupt when the interrupt level of a sensor changes.
type interruptMessage struct {
	TimeStamp time.Time `json:"timestamp"`
	Sensor    int       `json:"sensor"`
	Active    bool      `json:"active"`
}

func (app *App) sensorTopic(id int, kind string) string {
	return fmt.Sprintf("%s/sensor/%d/%s", app.config.MQTT.Topic, id, kind)
}

// publishState is called by the board after a sensor changed its state.
func (app *App) publishState(id int, state board.State) {
	debug.InfoLog.Printf("sensor %d is %s", id, state)
	app.sendMQTT(app.sensorTopic(id, "state"), stateMessage{TimeStamp: app.clock.Now(), Sensor: id, State: state.String()}, true)
}

// publishInterrupt is the isr of the sensor interrupts if the board delivers edge callbacks.
func (app *App) publishInterrupt(id int) {
	debug.DebugLog.Printf("interrupt of sensor %d", id)
	app.sendMQTT(app.sensorTopic(id, "interrupt"), interruptMessage{TimeStamp: app.clock.Now(), Sensor: id, Active: true}, false)
}

// sendMQTT queues the message for the mqtt broker. Messages are dropped when the queue is full
// or when mqtt is disabled, so callers on the hardware path never block.
func (app *App) sendMQTT(topic string, message interface{}, retained bool) {
	if app.config.MQTT.Connection == "" {
		return
	}

	debug.TraceLog.Printf("prepare mqtt message %v %v", topic, message)
	b, err := json.Marshal(message)
	if err != nil {
		debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
		return
	}

	app.pubMu.Lock()
	defer app.pubMu.Unlock()
	if !app.publishing {
		return
	}

	select {
	case app.mqtt.C <- mqtt.Message{Qos: 0, Retained: retained, Topic: topic, Payload: b}:
	default:
		debug.WarningLog.Printf("mqtt queue full, dropping message to %v", topic)
	}
}

// Package mqtt connects boardfleet to an MQTT broker.
//
// The supervisor publishes retained service status and accepts lifecycle
// commands; each board host publishes device events. The broker decouples
// both from dashboards and line controllers:
//
//	fleetsupervisor ↔ MQTT Broker ↔ dashboards, line controllers
//	boardhost       ↗
//
// Every client registers a Last Will on its presence topic so a crashed
// process is reported offline by the broker.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllServiceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.PublishRetained(mqtt.Topics{}.ServiceStatus("dev_A"), payload)
package mqtt

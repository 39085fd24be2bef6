package mqtt

import "github.com/nugget/qqbot-ha/internal/config"

// PressPayload is the button payload that triggers a send.
const PressPayload = "SEND"

// Control topic suffixes appended to the configured send topic.
const (
	suffixText   = "_text"
	suffixGroup  = "_group"
	suffixButton = "_button"
)

// Entity is one discovery advertisement: the HA component type, the
// object id used in the topic, and the config payload.
type Entity struct {
	Component string
	ObjectID  string
	Config    any
}

// Topic returns the retained config topic under prefix.
func (e Entity) Topic(prefix string) string {
	return prefix + "/" + e.Component + "/" + e.ObjectID + "/config"
}

// Entities returns the five discovery advertisements for the device:
// last-message and last-group sensors, message and target-group text
// inputs, and the send button. The result depends only on its inputs,
// so reconnects republish identical payloads.
func Entities(device DeviceInfo, deviceID string, topics config.TopicsConfig) []Entity {
	name := device.Name
	return []Entity{
		{
			Component: "sensor",
			ObjectID:  deviceID + "_message",
			Config: SensorConfig{
				Name:          name + " Last Message",
				UniqueID:      deviceID + "_last_message",
				StateTopic:    topics.Receive,
				ValueTemplate: "{{ value_json.message }}",
				Icon:          "mdi:message-text",
				Device:        device,
			},
		},
		{
			Component: "sensor",
			ObjectID:  deviceID + "_group",
			Config: SensorConfig{
				Name:          name + " Last Group ID",
				UniqueID:      deviceID + "_last_group",
				StateTopic:    topics.Receive,
				ValueTemplate: "{{ value_json.group_id }}",
				Icon:          "mdi:account-group",
				Device:        device,
			},
		},
		{
			Component: "text",
			ObjectID:  deviceID + "_send_message",
			Config: TextConfig{
				Name:         name + " Send Message",
				UniqueID:     deviceID + "_send_message",
				CommandTopic: topics.Send + suffixText,
				Icon:         "mdi:message-draw",
				Mode:         "text",
				Device:       device,
			},
		},
		{
			Component: "text",
			ObjectID:  deviceID + "_target_group",
			Config: TextConfig{
				Name:         name + " Target Group ID",
				UniqueID:     deviceID + "_target_group",
				CommandTopic: topics.Send + suffixGroup,
				Icon:         "mdi:numeric",
				Mode:         "text",
				Device:       device,
			},
		},
		{
			Component: "button",
			ObjectID:  deviceID + "_send_button",
			Config: ButtonConfig{
				Name:         name + " Send Button",
				UniqueID:     deviceID + "_send_button",
				CommandTopic: topics.Send + suffixButton,
				PayloadPress: PressPayload,
				Icon:         "mdi:send",
				Device:       device,
			},
		},
	}
}

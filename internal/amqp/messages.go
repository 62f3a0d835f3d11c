package amqp

import (
	"encoding/json"
	"time"
)

// ChangeNotificationMessage tells the real-time layer that a (user, group)
// change record advanced. It carries only identifiers and the new version;
// consumers fetch details from the API if they need them.
type ChangeNotificationMessage struct {
	UserID        string    `json:"user_id"`
	GroupID       string    `json:"group_id"`
	ChangeVersion int64     `json:"change_version"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewChangeNotificationMessage(userID, groupID string, changeVersion int64) *ChangeNotificationMessage {
	return &ChangeNotificationMessage{
		UserID:        userID,
		GroupID:       groupID,
		ChangeVersion: changeVersion,
		Timestamp:     time.Now().UTC(),
	}
}

func (m *ChangeNotificationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ChangeNotificationMessageFromJSON(data []byte) (*ChangeNotificationMessage, error) {
	var msg ChangeNotificationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

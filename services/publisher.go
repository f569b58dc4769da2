package services

import (
	"fmt"

	pubnub "github.com/pubnub/go/v7"
)

// Publisher pushes a message to an external fan-out channel.
type Publisher interface {
	Publish(channel string, message any) error
}

type PubNubPublisher struct {
	pubnub *pubnub.PubNub
}

func NewPubNubPublisher(publishKey, subscribeKey, secretKey, userID string) *PubNubPublisher {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	pnConfig.PublishKey = publishKey
	pnConfig.SubscribeKey = subscribeKey
	pnConfig.SecretKey = secretKey

	return &PubNubPublisher{pubnub: pubnub.NewPubNub(pnConfig)}
}

func (p *PubNubPublisher) Publish(channel string, message any) error {
	_, st, err := p.pubnub.Publish().
		Channel(channel).
		Message(message).
		Execute()
	if err != nil {
		return fmt.Errorf("publish to %s (status %d): %w", channel, st.StatusCode, err)
	}
	return nil
}

func RoomChannel(room string) string { return "room-" + room }

func UserChannel(participant string) string { return "user-" + participant }

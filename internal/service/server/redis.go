package server

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_engine/internal/model"
)

func queueKey(identity model.CryptoIdentity, device model.UID) string {
	return fmt.Sprintf("to: %s/%s", identity, device)
}

func (s *HttpServer) GetDeliveriesFromCache(ctx context.Context, identity model.CryptoIdentity, device model.UID) ([]*model.ReceivedEncryptedMessage, error) {
	vals, err := s.queue.Drain(ctx, queueKey(identity, device))
	if err != nil {
		return nil, err
	}

	var res []*model.ReceivedEncryptedMessage
	for _, v := range vals {
		var d model.ReceivedEncryptedMessage
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, err
		}
		res = append(res, &d)
	}
	return res, nil
}

func (s *HttpServer) PutDeliveriesToCache(ctx context.Context, deliveries ...*model.ReceivedEncryptedMessage) error {
	byKey := make(map[string][][]byte)
	var order []string
	for _, d := range deliveries {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		key := queueKey(d.ToIdentity, d.ToDeviceUID)
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], data)
	}

	for _, key := range order {
		if err := s.queue.Push(ctx, key, byKey[key]...); err != nil {
			return err
		}
	}
	return nil
}

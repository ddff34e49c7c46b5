package peripheral

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
)

// NewService builds the GATT service exposing h as one read/write/notify characteristic.
func NewService(h *CommandHandler, serviceID, charID string) (*ble.Service, error) {
	svcUUID, err := ble.Parse(serviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceID, err)
	}
	charUUID, err := ble.Parse(charID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charID, err)
	}

	svc := ble.NewService(svcUUID)
	char := svc.NewCharacteristic(charUUID)

	char.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		_, _ = rsp.Write(h.HandleRead())
	}))

	char.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		if err := h.HandleWrite(req.Data()); err != nil {
			rsp.SetStatus(writeStatus(err))
		}
	}))

	char.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		cancel := h.Subscribe(func(value []byte) {
			if _, err := n.Write(value); err != nil {
				h.logger.WithError(err).Debug("Notification failed")
			}
		})
		defer cancel()
		<-n.Context().Done()
	}))

	return svc, nil
}

func writeStatus(err error) ble.ATTError {
	if errors.Is(err, protocol.ErrMalformedCommand) {
		return ble.ErrInvalAttrValueLen
	}
	return ble.ErrUnlikely
}

// Serve registers svc on the default device and advertises it under name
// until ctx is canceled.
func Serve(ctx context.Context, name string, svc *ble.Service, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	if err := ble.AddService(svc); err != nil {
		return fmt.Errorf("failed to add service %s: %w", svc.UUID, err)
	}

	logger.WithFields(logrus.Fields{
		"name":    name,
		"service": svc.UUID.String(),
	}).Info("Advertising peripheral")

	err := ble.AdvertiseNameAndServices(ctx, name, svc.UUID)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

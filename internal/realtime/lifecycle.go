package realtime

import (
	"errors"

	"go.uber.org/zap"
)

// Disconnect leaves every room the session joined and drops it from the registry. Each
// room is left independently; repeated calls for the same session do nothing.
func (c *Coordinator) Disconnect(s *Session) error {
	if s == nil {
		return nil
	}
	rooms, first := s.markClosed()
	if !first {
		return nil
	}
	var errs []error
	for _, tripID := range rooms {
		if err := c.leaveOnDisconnect(tripID, s); err != nil {
			errs = append(errs, err)
		}
	}
	c.Registry.Unregister(s)

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("session cleanup incomplete",
			zap.String("actor_id", s.actorID),
			zap.String("session_id", s.id.String()),
			zap.Error(err))
		return err
	}
	c.logger.Debug("session disconnected",
		zap.String("actor_id", s.actorID),
		zap.String("session_id", s.id.String()),
		zap.Int("rooms", len(rooms)))
	return nil
}

func (c *Coordinator) leaveOnDisconnect(tripID string, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("leave " + tripID + " panicked")
		}
	}()
	err = c.Rooms.Leave(tripID, s)
	if errors.Is(err, ErrNotMember) {
		// the room was torn down while the session was still listed in it
		return nil
	}
	return err
}

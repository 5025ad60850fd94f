// Package autosave periodically flushes each live room's ephemeral code
// to the durable store, so the database stays a recent (not hot-path)
// copy of what the room is editing.
package autosave

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

const defaultInterval = 30 * time.Second

type Service struct {
	registry *ws.Registry
	database *db.Database
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(registry *ws.Registry, database *db.Database, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		registry: registry,
		database: database,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("autosave service started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Info().Msg("autosave service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.flushAll()
			return
		case <-ticker.C:
			s.flushAll()
		}
	}
}

// flushAll writes every dirty cached buffer back to its room row. Rooms
// that vanished from the store, or whose snapshot already matches, are
// skipped.
func (s *Service) flushAll() {
	for roomID, code := range s.registry.ActiveCodes() {
		room, err := s.database.FindRoom(roomID)
		if err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("autosave: failed to load room")
			continue
		}
		if room == nil || room.Code == code {
			continue
		}

		room.Code = code
		if err := s.database.UpdateRoom(room); err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("autosave: failed to save code")
			continue
		}
		log.Debug().Str("room", roomID).Int("bytes", len(code)).Msg("autosave: flushed code")
	}
}

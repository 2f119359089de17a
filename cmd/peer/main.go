package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/duet/internal/adapter/driven/call/memory"
	"github.com/Wyydra/duet/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/duet/internal/adapter/driven/media/pion"
	"github.com/Wyydra/duet/internal/adapter/driven/rest"
	"github.com/Wyydra/duet/internal/config"
	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/service"
	"github.com/rs/zerolog/log"
)

const callLogLimit = 100

func main() {
	var (
		userID     = flag.Int64("user", 0, "local user id (overrides USER_ID)")
		callee     = flag.Int64("call", 0, "user id to call on startup")
		video      = flag.Bool("video", false, "start the call with video")
		autoAccept = flag.Bool("auto-accept", false, "accept incoming calls")
		videoAfter = flag.Duration("video-after", 0, "enable video this long after connecting")
	)
	flag.Parse()

	cfg, err := config.LoadPeer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.Log.Apply(os.Stderr)
	if *userID != 0 {
		cfg.UserID = domain.UserID(*userID)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := rest.NewClient(cfg.APIURL, nil)
	servers := cfg.ICE.Servers()
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if remote, err := api.ICEServers(fetchCtx); err != nil {
		log.Warn().Err(err).Msg("Could not fetch ICE servers from relay, using local config")
	} else if len(remote) > 0 {
		servers = remote
	}
	cancel()

	media, err := pion.NewMedia()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init media")
	}

	signaling := ws.NewChannel(ws.Options{
		URL:         cfg.RelayURL,
		UserID:      cfg.UserID,
		MaxAttempts: cfg.Reconnect.Attempts,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	})

	calls := memory.NewCallLog(callLogLimit)
	ctrl := service.NewCallSessionController(service.CallConfig{
		LocalUserID: cfg.UserID,
		ICEServers:  servers,
		GracePeriod: cfg.GracePeriod,
	}, signaling, media, api, calls)

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	welcome, unwelcome := signaling.Subscribe()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	go func() {
		if err := signaling.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Signaling stopped")
		}
	}()

	if *callee != 0 {
		if !waitConnected(ctx, welcome, unwelcome) {
			log.Fatal().Msg("Relay unreachable")
		}
		if _, err := ctrl.StartCall(ctx, domain.UserID(*callee), *video); err != nil {
			log.Fatal().Err(err).Msg("Failed to start call")
		}
	}

	unwelcome()

	var videoTimer <-chan time.Time
	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Call controller stopped")
			}
			printCallLog(calls, cfg.UserID)
			return

		case ev := <-events:
			s := ev.Session
			switch ev.Type {
			case service.CallStatusChanged:
				log.Info().
					Stringer("status", s.Status).
					Stringer("room_id", s.SessionID).
					Stringer("remote_user_id", s.RemoteUserID).
					Bool("audio", s.Media.AudioEnabled).
					Bool("video", s.Media.VideoEnabled).
					Str("last_error", string(s.LastError)).
					Msg("Call")
				switch s.Status {
				case domain.StatusIncomingRinging:
					if *autoAccept {
						go accept(ctx, ctrl)
					}
				case domain.StatusConnected:
					if *videoAfter > 0 && !s.Media.VideoEnabled && videoTimer == nil {
						videoTimer = time.After(*videoAfter)
					}
				case domain.StatusEnded, domain.StatusFailed:
					videoTimer = nil
				}
			case service.CallRemoteTrack:
				log.Info().Str("kind", string(ev.TrackKind)).Str("track_id", ev.TrackID).Msg("Receiving remote media")
			case service.CallDurationTick:
				log.Debug().Int("seconds", s.DurationSeconds(time.Now())).Msg("In call")
			}

		case <-videoTimer:
			videoTimer = nil
			go func() {
				if _, err := ctrl.SetVideo(ctx, true); err != nil {
					log.Warn().Err(err).Msg("Failed to enable video")
				}
			}()
		}
	}
}

// waitConnected blocks until the relay greets us.
func waitConnected(ctx context.Context, welcome <-chan domain.Message, release func()) bool {
	defer release()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-welcome:
			if !ok {
				return false
			}
			if msg.Type == domain.MessageConnected {
				return true
			}
		}
	}
}

func accept(ctx context.Context, ctrl *service.CallSessionController) {
	if _, err := ctrl.Accept(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to accept call")
	}
}

func printCallLog(calls *memory.CallLog, user domain.UserID) {
	records, err := calls.List(context.Background(), user)
	if err != nil {
		return
	}
	for _, r := range records {
		log.Info().
			Stringer("room_id", r.SessionID).
			Stringer("remote_user_id", r.RemoteUserID).
			Bool("incoming", r.Incoming).
			Str("outcome", r.OutcomeName).
			Int("duration_seconds", r.DurationSeconds).
			Msg("Call log")
	}
}

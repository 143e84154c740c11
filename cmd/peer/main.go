package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/trickle/internal/adapter/driven/media/pion"
	"github.com/Wyydra/trickle/internal/adapter/driven/persistence/remote"
	"github.com/Wyydra/trickle/internal/config"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/service"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	join := flag.String("join", "", "Join the call with this id instead of starting one.")
	callID := flag.String("id", "", "Start the call under this id instead of a random one.")
	flag.Parse()

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logger")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg, *join, *callID); err != nil {
		log.Error().Err(err).Msg("Peer stopped")
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, joinID, startID string) error {
	setupCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	store, err := remote.Dial(setupCtx, cfg.SignalingURL, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	transports, err := pion.NewFactory(cfg.ICEServers,
		pion.WithRemoteTrackHandler(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().
				Str("kind", track.Kind().String()).
				Str("codec", track.Codec().MimeType).
				Msg("Receiving remote track")
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}),
	)
	if err != nil {
		return err
	}

	calls := service.NewCallService(store, transports)
	defer calls.Close()

	var sess *service.NegotiationSession
	switch {
	case joinID != "":
		sess, err = calls.JoinCall(setupCtx, domain.CallID(joinID))
	case startID != "":
		sess, err = calls.StartCallWithID(setupCtx, domain.CallID(startID))
	default:
		var id domain.CallID
		id, sess, err = calls.StartCall(setupCtx)
		if err == nil {
			fmt.Println(id)
		}
	}
	if err != nil {
		return err
	}

	states := make(chan domain.State, 16)
	sess.OnStateChange(func(s domain.State) {
		select {
		case states <- s:
		default:
		}
	})
	if sess.State() == domain.StateFailed {
		return sess.Err()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	log.Info().Str("call_id", sess.CallID().String()).Str("state", sess.State().String()).Msg("Negotiating, press Ctrl+C to leave")
	signalingDone := store.Done()
	for {
		select {
		case <-signalingDone:
			// Once connected the media path no longer needs signaling.
			if sess.State() == domain.StateConnected {
				log.Warn().Err(store.Err()).Msg("Signaling connection lost")
				signalingDone = nil
				continue
			}
			return fmt.Errorf("negotiation aborted: %w", store.Err())
		case <-quit:
			log.Info().Msg("Leaving call")
			return nil
		case s := <-states:
			if s == domain.StateFailed {
				return sess.Err()
			}
		}
	}
}

package ringer

import (
	"time"

	"chime/pkg/logx"
)

// Resources is the sound/vibration/wake-lock triple a ringing session owns
// exclusively. Implementations must make StopAlert and ReleaseWake
// idempotent; session entry calls them before acquiring.
type Resources interface {
	// AcquireWake requests a keep-awake grant, time-bounded so the device
	// is never pinned by a crashed session.
	AcquireWake(budget time.Duration) error
	ReleaseWake()

	// StartAlert begins looping sound + vibration for the given sound.
	StartAlert(soundID string) error
	StopAlert()
}

// Surface is the full-screen ringing UI hand-off. Fire-and-forget from the
// engine's perspective; Stop/Snooze intents come back via the Service.
type Surface interface {
	ShowRinging(info RingInfo)
	Dismiss()
}

// RingInfo is what the surface displays.
type RingInfo struct {
	PlanID     string
	Label      string
	SoundID    string
	RingIndex  int
	TotalRings int
	Interval   time.Duration
}

// LogResources is a host-side Resources that only logs. Useful for the
// reference daemon and for degraded operation when real devices fail.
type LogResources struct {
	Log logx.Logger
}

func (r LogResources) AcquireWake(budget time.Duration) error {
	r.Log.Debug("wake lock acquired", logx.Duration("budget", budget))
	return nil
}

func (r LogResources) ReleaseWake() { r.Log.Debug("wake lock released") }

func (r LogResources) StartAlert(soundID string) error {
	r.Log.Info("alert started", logx.String("sound", soundID))
	return nil
}

func (r LogResources) StopAlert() { r.Log.Debug("alert stopped") }

// LogSurface is a Surface that only logs.
type LogSurface struct {
	Log logx.Logger
}

func (s LogSurface) ShowRinging(info RingInfo) {
	s.Log.Info("ringing",
		logx.String("plan", info.PlanID),
		logx.String("label", info.Label),
		logx.Int("ring", info.RingIndex),
		logx.Int("total", info.TotalRings))
}

func (s LogSurface) Dismiss() { s.Log.Debug("ringing surface dismissed") }

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busattend/internal/attendance"
	"busattend/internal/calendar"
	"busattend/internal/config"
	"busattend/internal/metrics"
	"busattend/internal/notify"
	"busattend/internal/store"
)

// Worker delivers queued notifications to the notification collaborator and
// runs the end-of-trip sweep that marks unscanned students missed.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDB)

	var q notify.Queue
	if cfg.QueueBackend == "memory" {
		q = notify.NewInMemory(64)
	} else {
		q = notify.NewRedisQueue(redisClient.Client, "busattend:notifications")
	}

	attRepo := attendance.NewRepository(db.Client)
	calRepo := calendar.NewRepository(db.Client)
	pipeline := attendance.NewService(attRepo, calRepo, cfg.JitterWindow)

	client := notify.NewClient(cfg.NotifyURL, cfg.NotifyURL == "")
	if err := client.Health(ctx); err != nil {
		log.Printf("WARNING: notification service not available: %v", err)
	} else {
		log.Println("notification service connected")
	}

	go runSweeper(ctx, cfg, pipeline)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for notifications...")
	for msg := range messages {
		if msg.Type != "scan" {
			continue
		}

		n, err := notify.Decode(msg)
		if err != nil {
			log.Printf("bad notification payload: %v", err)
			continue
		}

		sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Send(sendCtx, n); err != nil {
			// Fire-and-forget: the attendance record stands regardless.
			log.Printf("notification for %s (%s) failed: %v", n.StudentID, n.Trip, err)
			metrics.NotifyFailures.Inc()
		}
		sendCancel()
	}

	log.Println("worker stopped")
}

// runSweeper marks still-unscanned students missed once per trip per day,
// after the configured end-of-trip cutoff.
func runSweeper(ctx context.Context, cfg config.App, pipeline *attendance.Service) {
	amHour, amMinute, err := config.ParseClock(cfg.AMCutoff)
	if err != nil {
		log.Printf("bad AM_CUTOFF: %v, using 10:00", err)
		amHour, amMinute = 10, 0
	}
	pmHour, pmMinute, err := config.ParseClock(cfg.PMCutoff)
	if err != nil {
		log.Printf("bad PM_CUTOFF: %v, using 19:00", err)
		pmHour, pmMinute = 19, 0
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	var sweptAM, sweptPM string
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			day := attendance.DayOf(now)
			tag := day.Format("2006-01-02")

			if sweptAM != tag && pastCutoff(now, amHour, amMinute) {
				sweep(ctx, pipeline, day, attendance.TripAM)
				sweptAM = tag
			}
			if sweptPM != tag && pastCutoff(now, pmHour, pmMinute) {
				sweep(ctx, pipeline, day, attendance.TripPM)
				sweptPM = tag
			}
		}
	}
}

func sweep(ctx context.Context, pipeline *attendance.Service, day time.Time, trip attendance.Trip) {
	n, err := pipeline.SweepMissed(ctx, day, trip)
	if err != nil {
		log.Printf("missed sweep %s %s failed: %v", day.Format("2006-01-02"), trip, err)
		return
	}
	if n > 0 {
		log.Printf("missed sweep %s %s: %d students marked missed", day.Format("2006-01-02"), trip, n)
		metrics.MissedSwept.Add(float64(n))
	}
}

func pastCutoff(now time.Time, hour, minute int) bool {
	return now.Hour() > hour || (now.Hour() == hour && now.Minute() >= minute)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biotime/internal/attendance"
	"biotime/internal/bioerr"
	"biotime/internal/config"
	"biotime/internal/deviceclient"
	"biotime/internal/queue"
	"biotime/internal/recordstore"
	"biotime/internal/store"
)

// Worker consumes queue messages, archives committed verification events
// in Postgres and keeps the employee enrollment flags and the device
// template cache in sync with the record store.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "biotime:events")
	}

	repo := attendance.NewRepository(db.Client)
	att := attendance.NewService(repo, cfg.DedupWindow)
	device := deviceclient.New(cfg.DeviceServiceURL, cfg.DeviceMock, cfg.CaptureTimeout)
	records := recordstore.New(cfg.RecordStoreURL, cfg.RecordStoreToken)

	if !cfg.DeviceMock {
		if err := device.Init(ctx); err != nil {
			log.Printf("WARNING: capture device init failed: %v", err)
		}
		defer func() {
			if err := device.Terminate(context.Background()); err != nil {
				log.Printf("capture device terminate failed: %v", err)
			}
		}()
		if h := device.CheckHealth(ctx); !h.Connected {
			log.Println("WARNING: capture device service not available")
		} else {
			log.Printf("capture device connected (cache holds %d templates)", h.EnrolledCount)
		}
	}

	reconcileDeviceCache(ctx, repo, records, device)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		switch msg.Type {
		case "event":
			score := msg.Score
			_, err := att.Archive(ctx, attendance.Event{
				AttemptID:  msg.AttemptID,
				EmployeeID: msg.EmployeeID,
				KioskID:    msg.KioskID,
				Action:     msg.Action,
				When:       msg.Timestamp,
				MatchScore: &score,
			})
			if err != nil {
				log.Printf("archive event for %s failed: %v", msg.EmployeeID, err)
				continue
			}
			log.Printf("archived %s for %s", msg.Action, msg.EmployeeID)

		case "enrolled":
			if err := repo.UpsertEmployee(ctx, msg.EmployeeID, nil); err != nil {
				log.Printf("upsert employee %s failed: %v", msg.EmployeeID, err)
			}
			if err := repo.SetFingerprintEnrolled(ctx, msg.EmployeeID, true); err != nil {
				log.Printf("flag employee %s enrolled failed: %v", msg.EmployeeID, err)
			}
			if err := pushTemplate(ctx, records, device, msg.EmployeeID); err != nil {
				log.Printf("push template for %s failed: %v", msg.EmployeeID, err)
			} else {
				log.Printf("employee %s enrolled, device cache updated", msg.EmployeeID)
			}
		}

		time.Sleep(10 * time.Millisecond) // Small delay between processing
	}

	log.Println("worker stopped")
}

// reconcileDeviceCache pushes stored templates the device cache is
// missing, so 1:1 verify and 1:N identify work after a device restart.
func reconcileDeviceCache(ctx context.Context, repo *attendance.Repository, records *recordstore.Client, device *deviceclient.Client) {
	cached, err := device.Enrolled(ctx)
	if err != nil {
		log.Printf("device cache list failed, skipping reconcile: %v", err)
		return
	}
	onDevice := make(map[string]bool, len(cached))
	for _, id := range cached {
		onDevice[id] = true
	}

	employees, err := repo.ListEmployees(ctx)
	if err != nil {
		log.Printf("employee list failed, skipping reconcile: %v", err)
		return
	}

	pushed := 0
	for _, e := range employees {
		if !e.FingerprintEnrolled || onDevice[e.EmployeeID] {
			continue
		}
		if err := pushTemplate(ctx, records, device, e.EmployeeID); err != nil {
			if bioerr.IsKind(err, bioerr.KindNotEnrolled) {
				// Local flag is stale; the record store has no template.
				_ = repo.SetFingerprintEnrolled(ctx, e.EmployeeID, false)
				continue
			}
			log.Printf("reconcile %s failed: %v", e.EmployeeID, err)
			continue
		}
		pushed++
	}
	if pushed > 0 {
		log.Printf("reconciled device cache: %d templates pushed", pushed)
	}
}

func pushTemplate(ctx context.Context, records *recordstore.Client, device *deviceclient.Client, employeeID string) error {
	tpl, err := records.FetchTemplate(ctx, employeeID)
	if err != nil {
		return err
	}
	return device.AddTemplate(ctx, employeeID, tpl.TemplateData)
}

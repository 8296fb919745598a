package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/config"
	"github.com/labdesk/lab-reservations/internal/db"
	"github.com/labdesk/lab-reservations/internal/logger"
	"github.com/labdesk/lab-reservations/internal/reservation"
)

type lab struct {
	id   string
	name string
}

var labNames = []string{
	"Robotics",
	"Networks",
	"Chemistry",
	"Electronics",
	"Physics",
	"Computer Graphics",
	"Embedded Systems",
	"Microbiology",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.StoreBackend != config.BackendPostgres {
		log.Fatal("seed needs the postgres store")
	}

	count := getInt("SEED_RESERVATIONS", 500)
	days := getInt("SEED_DAYS", 14)
	users := getInt("SEED_USERS", 200)
	log.Info("seed starting", zap.Int("reservations", count), zap.Int("days", days), zap.Int("users", users))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("apply schema", zap.Error(err))
	}

	// no notifier: seeded users have fake addresses
	svc, err := reservation.NewService(reservation.NewPgRepository(pool), nil, cfg, log)
	if err != nil {
		log.Fatal("service init", zap.Error(err))
	}

	faker := gofakeit.New(0)
	people := fakePeople(faker, users)
	labs := make([]lab, len(labNames))
	for i, name := range labNames {
		labs[i] = lab{id: fmt.Sprintf("lab-%d", 101+i), name: name + " Lab"}
	}

	var created, preempted, rejected int
	slots := svc.Slots()
	today := time.Now().In(svc.Location())

	for i := 0; i < count; i++ {
		who := people[faker.Number(0, len(people)-1)]
		l := labs[faker.Number(0, len(labs)-1)]
		slot := slots[faker.Number(0, len(slots)-1)]
		date := today.AddDate(0, 0, faker.Number(0, days-1)).Format(time.DateOnly)
		start, end := slot.StartHour, slot.EndHour

		kind := reservation.KindBasic
		if faker.Float64() < 0.1 {
			kind = reservation.KindPremium
		}

		res, err := svc.CreateReservation(ctx, reservation.CreateRequest{
			LaboratoryID:   l.id,
			LaboratoryName: l.name,
			Date:           date,
			StartHour:      &start,
			EndHour:        &end,
			Reason:         faker.BuzzWord() + " " + faker.Noun(),
			Kind:           kind,
		}, who)
		switch {
		case errors.Is(err, reservation.ErrSlotUnavailable):
			rejected++
			continue
		case err != nil:
			log.Fatal("create reservation", zap.Error(err))
		}
		created++
		preempted += len(res.Preempted)

		if (i+1)%100 == 0 {
			log.Info("seeding", zap.Int("done", i+1), zap.Int("of", count))
		}
	}

	log.Info("seed complete",
		zap.Int("created", created),
		zap.Int("preempted", preempted),
		zap.Int("rejected", rejected),
	)
}

// fakePeople returns mostly students with roughly one professor in ten.
func fakePeople(faker *gofakeit.Faker, n int) []auth.Identity {
	out := make([]auth.Identity, n)
	for i := range out {
		role := auth.RoleStudent
		if faker.Float64() < 0.1 {
			role = auth.RoleProfessor
		}
		out[i] = auth.Identity{
			UserID: uuid.NewString(),
			Email:  faker.Email(),
			Role:   role,
		}
	}
	return out
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/logger"
	"github.com/labdesk/lab-reservations/internal/reservation"
	"github.com/labdesk/lab-reservations/internal/timeblock"
)

type SimConfig struct {
	APIBaseURL        string
	JWTSecret         string
	Duration          time.Duration
	Workers           int
	Users             int
	Labs              int
	Days              int
	ProfessorRatio    float64
	BookingRatio      float64
	CancelRatio       float64
	AvailabilityRatio float64
	StartDate         string
}

type simUser struct {
	identity auth.Identity
	token    string
}

// DataPool holds the simulated users and the reservations they created.
type DataPool struct {
	Users        []simUser
	mu           sync.RWMutex
	reservations []created
}

type created struct {
	id    string
	owner int
}

func (dp *DataPool) AddReservation(id string, owner int) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.reservations = append(dp.reservations, created{id: id, owner: owner})
}

func (dp *DataPool) RandomReservation(rng *rand.Rand) (created, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.reservations) == 0 {
		return created{}, false
	}
	return dp.reservations[rng.IntN(len(dp.reservations))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type Metrics struct {
	Booking      OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
	ListMine     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	slots   timeblock.Catalogue
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	log, err := logger.New(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "console"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("users", cfg.Users),
		zap.Int("labs", cfg.Labs),
		zap.Int("days", cfg.Days),
	)

	pool, err := newDataPool(cfg)
	if err != nil {
		log.Fatal("build data pool", zap.Error(err))
	}

	sim := &Simulator{
		config: cfg,
		pool:   pool,
		slots:  timeblock.DefaultCatalogue(),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	violations, err := sim.Audit(context.Background())
	if err != nil {
		log.Fatal("audit failed", zap.Error(err))
	}
	if violations > 0 {
		log.Error("overlapping active reservations found", zap.Int("violations", violations))
		os.Exit(2)
	}
	log.Info("audit passed: no overlapping active reservations")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:        strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		Duration:          getDuration("SIM_DURATION", 30*time.Second),
		Workers:           getInt("SIM_WORKERS", 10),
		Users:             getInt("SIM_USERS", 50),
		Labs:              getInt("SIM_LABS", 2),
		Days:              getInt("SIM_DAYS", 2),
		ProfessorRatio:    getFloat("SIM_PROFESSOR_RATIO", 0.2),
		BookingRatio:      getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:       getFloat("SIM_CANCEL_RATIO", 0.1),
		AvailabilityRatio: getFloat("SIM_AVAILABILITY_RATIO", 0.4),
		StartDate:         getEnv("SIM_START_DATE", time.Now().AddDate(0, 0, 1).Format(time.DateOnly)),
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.AvailabilityRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.AvailabilityRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to sign simulated tokens")
	}
	if cfg.Workers <= 0 || cfg.Users <= 0 || cfg.Labs <= 0 || cfg.Days <= 0 {
		return fmt.Errorf("SIM_WORKERS, SIM_USERS, SIM_LABS and SIM_DAYS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if _, err := time.Parse(time.DateOnly, cfg.StartDate); err != nil {
		return fmt.Errorf("SIM_START_DATE: %w", err)
	}
	return nil
}

func newDataPool(cfg SimConfig) (*DataPool, error) {
	verifier := auth.NewVerifier(cfg.JWTSecret)
	faker := gofakeit.New(0)
	ttl := cfg.Duration + 10*time.Minute

	pool := &DataPool{Users: make([]simUser, cfg.Users)}
	for i := range pool.Users {
		role := auth.RoleStudent
		if faker.Float64() < cfg.ProfessorRatio {
			role = auth.RoleProfessor
		}
		id := auth.Identity{UserID: uuid.NewString(), Email: faker.Email(), Role: role}
		tok, err := verifier.Issue(id, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		pool.Users[i] = simUser{identity: id, token: tok}
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.IntN(2) == 0 {
				s.doAvailability(ctx, rng)
			} else {
				s.doListMine(ctx, rng)
			}
		}
	}
}

func (s *Simulator) labID(i int) string { return fmt.Sprintf("sim-lab-%d", i+1) }

func (s *Simulator) date(i int) string {
	start, _ := time.Parse(time.DateOnly, s.config.StartDate)
	return start.AddDate(0, 0, i).Format(time.DateOnly)
}

func (s *Simulator) request(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(req)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	owner := rng.IntN(len(s.pool.Users))
	lab := rng.IntN(s.config.Labs)
	slot := s.slots[rng.IntN(len(s.slots))]

	body := map[string]any{
		"laboratoryId":   s.labID(lab),
		"laboratoryName": fmt.Sprintf("Simulation Lab %d", lab+1),
		"date":           s.date(rng.IntN(s.config.Days)),
		"startHour":      slot.StartHour,
		"endHour":        slot.EndHour,
		"reason":         "load test",
	}

	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/reservations", s.pool.Users[owner].token, body)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Booking.Record(latency, false, false)
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var res struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.ID != "" {
			s.pool.AddReservation(res.ID, owner)
		}
		s.metrics.Booking.Record(latency, true, false)
	case http.StatusConflict:
		s.metrics.Booking.Record(latency, false, true)
	default:
		s.metrics.Booking.Record(latency, false, false)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	c, ok := s.pool.RandomReservation(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.request(ctx, http.MethodPatch, "/reservations/"+c.id+"/cancel", s.pool.Users[c.owner].token, nil)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Cancel.Record(latency, false, false)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.Cancel.Record(latency, resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	user := s.pool.Users[rng.IntN(len(s.pool.Users))]
	path := fmt.Sprintf("/availability?laboratoryId=%s&date=%s", s.labID(rng.IntN(s.config.Labs)), s.date(rng.IntN(s.config.Days)))

	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, path, user.token, nil)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Availability.Record(latency, false, false)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.Availability.Record(latency, resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) doListMine(ctx context.Context, rng *rand.Rand) {
	user := s.pool.Users[rng.IntN(len(s.pool.Users))]

	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, "/reservations/mine", user.token, nil)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.ListMine.Record(latency, false, false)
		}
		return
	}
	defer resp.Body.Close()
	s.metrics.ListMine.Record(latency, resp.StatusCode == http.StatusOK, false)
}

// Audit reads every simulated user's reservations from the store and counts
// pairs of active reservations that overlap in the same lab and day.
func (s *Simulator) Audit(ctx context.Context) (int, error) {
	byPartition := make(map[string][]reservation.Reservation)

	for _, u := range s.pool.Users {
		resp, err := s.request(ctx, http.MethodGet, "/reservations/mine", u.token, nil)
		if err != nil {
			return 0, err
		}
		var body struct {
			Reservations []reservation.Reservation `json:"reservations"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("decode reservations of %s: %w", u.identity.UserID, err)
		}

		for _, r := range body.Reservations {
			if !r.Status.Active() {
				continue
			}
			key := r.LaboratoryID + "|" + r.Date.Format(time.DateOnly)
			byPartition[key] = append(byPartition[key], r)
		}
	}

	violations := 0
	for key, rs := range byPartition {
		for i := range rs {
			for j := i + 1; j < len(rs); j++ {
				if rs[i].Overlaps(rs[j].StartHour, rs[j].EndHour) {
					violations++
					s.log.Error("overlap",
						zap.String("partition", key),
						zap.String("a", rs[i].ID),
						zap.String("b", rs[j].ID),
					)
				}
			}
		}
	}
	return violations, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contention: %d labs x %d days x %d slots\n", s.config.Labs, s.config.Days, len(s.slots))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("List mine", &s.metrics.ListMine)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

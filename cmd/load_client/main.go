package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	grpcin "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/in/grpc"
	grpcpool "github.com/JoeShih716/go-class-ledger/pkg/grpc"
)

// load_client 多個會員同時搶同一堂課，驗證名額不超賣、每人最多一筆預約
//
// 會員、方案與課程透過 HTTP API 建立，搶課走 gRPC
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	grpcAddr    string
	httpAddr    string
	members     int
	capacity    int
	attempts    int
	concurrency int
	timeout     time.Duration
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "load_client",
		Short:        "Concurrent reservation contention against a running core",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return run(ctx, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.grpcAddr, "grpc", "localhost:50051", "gRPC address")
	f.StringVar(&o.httpAddr, "http", "http://localhost:8080", "HTTP base URL (setup only)")
	f.IntVar(&o.members, "members", 200, "number of contending members")
	f.IntVar(&o.capacity, "capacity", 20, "session capacity")
	f.IntVar(&o.attempts, "attempts", 3, "reserve calls per member")
	f.IntVar(&o.concurrency, "concurrency", 64, "in-flight requests")
	f.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

func run(ctx context.Context, o options, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	api := &setupClient{base: o.httpAddr, http: &http.Client{Timeout: 10 * time.Second}}

	runID := uuid.NewString()[:8]
	sessionID, err := api.scheduleSession(ctx, o.capacity)
	if err != nil {
		return err
	}
	memberIDs := make([]int64, o.members)
	for i := range memberIDs {
		id, err := api.ensureMember(ctx, fmt.Sprintf("load-%s-%d", runID, i))
		if err != nil {
			return err
		}
		if err := api.createGrant(ctx, id); err != nil {
			return err
		}
		memberIDs[i] = id
	}
	logger.Info("setup done", "session_id", sessionID, "members", o.members, "capacity", o.capacity)

	pool := grpcpool.NewPool(grpcpool.WithInterceptor(grpcpool.LoggingInterceptor(logger)))
	defer pool.Close()
	conn, err := pool.GetConnection(o.grpcAddr)
	if err != nil {
		return err
	}
	client := grpcin.NewClient(conn)

	var (
		mu      sync.Mutex
		results = map[string]int{}
		booked  = map[int64]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	start := time.Now()
	for a := 0; a < o.attempts; a++ {
		for _, memberID := range memberIDs {
			g.Go(func() error {
				resp, err := client.ReserveSession(gctx, &grpcin.ReserveRequest{MemberID: memberID, SessionID: sessionID})
				if err != nil {
					return err
				}
				kind := resp.ErrorKind
				if resp.Success {
					kind = "OK"
				}
				mu.Lock()
				results[kind]++
				if resp.Success {
					booked[memberID]++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	total := o.members * o.attempts

	kinds := make([]string, 0, len(results))
	for k := range results {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(out, "Completed %d requests in %v (%.2f req/s)\n", total, elapsed, float64(total)/elapsed.Seconds())
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-20s %d\n", k, results[k])
	}

	want := min(o.capacity, o.members)
	if results["OK"] != want {
		return fmt.Errorf("expected %d successful reservations, got %d", want, results["OK"])
	}
	for id, n := range booked {
		if n > 1 {
			return fmt.Errorf("member %d holds %d bookings for one session", id, n)
		}
	}
	faults, err := api.reconcile(ctx)
	if err != nil {
		return err
	}
	if faults > 0 {
		return fmt.Errorf("reconciler reported %d faults", faults)
	}
	fmt.Fprintln(out, "no overbooking, ledger consistent")
	return nil
}

type setupClient struct {
	base string
	http *http.Client
}

func (c *setupClient) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *setupClient) scheduleSession(ctx context.Context, capacity int) (int64, error) {
	var s struct {
		ID int64 `json:"id"`
	}
	err := c.post(ctx, "/v1/sessions", map[string]any{
		"title":                     "load test",
		"starts_at":                 time.Now().UTC().Add(48 * time.Hour),
		"duration_minutes":          60,
		"capacity":                  capacity,
		"booking_cutoff_minutes":    30,
		"cancellation_cutoff_hours": 12,
	}, &s)
	return s.ID, err
}

func (c *setupClient) ensureMember(ctx context.Context, externalID string) (int64, error) {
	var m struct {
		ID int64 `json:"id"`
	}
	err := c.post(ctx, "/v1/members", map[string]any{"external_id": externalID}, &m)
	return m.ID, err
}

func (c *setupClient) createGrant(ctx context.Context, memberID int64) error {
	var g struct {
		ID int64 `json:"id"`
	}
	return c.post(ctx, "/v1/grants", map[string]any{"member_id": memberID, "credits": 5, "duration_days": 30}, &g)
}

func (c *setupClient) reconcile(ctx context.Context) (int, error) {
	var r struct {
		Faults []json.RawMessage `json:"faults"`
	}
	err := c.post(ctx, "/v1/reconcile", map[string]any{}, &r)
	return len(r.Faults), err
}

// Command demo wires catga's core components — mediator, pipeline,
// outbox, idempotency, and the flow engine — around a small order-intake
// scenario, exercised through a chi HTTP surface. It favors the in-memory
// backends so it runs with zero external dependencies; swap them for
// RedisStore/PostgresStore/nats transport per the CATGA_* config fields in a
// real deployment.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/catgadev/catga/pkg/config"
	"github.com/catgadev/catga/pkg/errhttp"
	"github.com/catgadev/catga/pkg/flow"
	"github.com/catgadev/catga/pkg/httpx"
	"github.com/catgadev/catga/pkg/idempotency"
	"github.com/catgadev/catga/pkg/lock"
	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/mediator"
	"github.com/catgadev/catga/pkg/outbox"
	"github.com/catgadev/catga/pkg/pipeline"
	"github.com/catgadev/catga/pkg/result"
	"github.com/catgadev/catga/pkg/telemetry"
	"github.com/catgadev/catga/pkg/validator"
)

// CreateOrder is the sole request this demo's mediator recognizes.
type CreateOrder struct {
	OrderID string `json:"orderId" validate:"required"`
	Amount  int    `json:"amount" validate:"required,gt=0"`
}

// OrderCreated is published after an order is accepted, and fans out to
// every registered event handler (here, just a logger).
type OrderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	outboxStore := outbox.NewMemoryStore()
	deps := pipeline.Deps{
		Logger:      log,
		Idempotency: idempotency.NewMemoryStore(),
		Locker:      lock.NewMemoryLocker(),
		Validate:    validator.Validate,
		Outbox:      outbox.Appender{Store: outboxStore},
		Serialize:   json.Marshal,
		Deserialize: json.Unmarshal,
	}
	m := mediator.New(deps)

	if err := mediator.RegisterRequestHandler[CreateOrder, string](m, "CreateOrder", "CreateOrderHandler",
		func(ctx context.Context, req CreateOrder) result.Result[string] {
			log.InfoContext(ctx, "order accepted", "order_id", req.OrderID, "amount", req.Amount)
			return result.Success(req.OrderID)
		},
		pipeline.WithIdempotent(cfg.IdempotencyTTL),
	); err != nil {
		log.Error("failed to register CreateOrder handler", "error", err)
		os.Exit(1)
	}

	mediator.RegisterEventHandler[OrderCreated](m, "OrderCreated", "OrderCreatedLogger",
		func(ctx context.Context, evt OrderCreated) result.Result[any] {
			log.InfoContext(ctx, "order created event observed", "order_id", evt.OrderID)
			return result.Success[any](nil)
		},
	)

	engine := flow.NewEngine(flow.NewMemoryStore(), log)
	engine.Register(orderFulfillmentFlow())

	go runFlowTimeoutSweep(ctx, engine, cfg.FlowTimeoutSweepInterval, log)

	r := httpx.NewRouter(
		httpx.ServerConfig{ServiceName: cfg.ServiceName, IsDevelopment: cfg.Environment != config.EnvProduction, CORSAllowedOrigins: "*"},
		logging.Middleware(log),
		logging.Recovery(log),
		func(next http.Handler) http.Handler { return next },
		func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, cfg.ServiceName)
		},
	)
	r.Mount("/metrics", metricsHandler)
	r.Post("/orders", ordersHandler(m, engine, log))

	srv := httpx.NewServer(":8080", r)
	go func() {
		log.Info("demo server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func ordersHandler(m *mediator.Mediator, engine *flow.Engine, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateOrder
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		ctx := r.Context()
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			ctx = mediator.WithMessageID(ctx, key)
		}

		res := mediator.Send[CreateOrder, string](ctx, m, req)
		if res.IsFailure() {
			errhttp.WriteError(w, res)
			return
		}

		pubRes := mediator.Publish(ctx, m, OrderCreated{OrderID: req.OrderID, Amount: req.Amount})
		if pubRes.IsFailure() {
			log.ErrorContext(ctx, "OrderCreated fan-out had a failing handler", "error", pubRes.Error())
		}

		snap, err := engine.Start(ctx, "orderFulfillment", req.OrderID, flow.Vars{
			"orderId": req.OrderID, "amount": req.Amount,
		})
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"orderId":    req.OrderID,
			"flowStatus": snap.Status,
		})
	}
}

// orderFulfillmentFlow models a minimal fulfillment pipeline: reserve
// stock, wait (up to 1h) for a "paymentConfirmed" signal or time out into
// cancellation, then ship.
func orderFulfillmentFlow() *flow.Definition {
	return &flow.Definition{
		Name: "orderFulfillment",
		Root: flow.Sequence("root",
			flow.Step("reserveStock", func(ctx context.Context, vars flow.Vars) error {
				vars["stockReserved"] = true
				return nil
			}),
			flow.Wait("awaitPayment", []string{"paymentConfirmed"}, flow.WaitAll, time.Hour,
				flow.Step("cancelOrder", func(ctx context.Context, vars flow.Vars) error {
					vars["cancelled"] = true
					return nil
				}),
			),
			flow.Step("shipOrder", func(ctx context.Context, vars flow.Vars) error {
				if _, cancelled := vars["cancelled"]; cancelled {
					return nil
				}
				vars["shipped"] = true
				return nil
			}),
		),
	}
}

func runFlowTimeoutSweep(ctx context.Context, engine *flow.Engine, interval time.Duration, log logging.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := engine.SweepTimeouts(ctx, now); err != nil {
				log.ErrorContext(ctx, "flow timeout sweep failed", "error", err)
			}
		}
	}
}

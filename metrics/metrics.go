// Package metrics exposes the shared region's atomic counters on a small
// opt-in admin HTTP listener: /healthz and a Prometheus /metrics page. This
// is the read surface an operator-facing metrics scraper would hit.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package metrics

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/nstrading/ns-tradechat/nslog"
	"github.com/nstrading/ns-tradechat/shmstate"
	"github.com/nstrading/ns-tradechat/wire"
)

// Server is the admin HTTP surface. It never shares the protocol listening
// socket or fd set with the worker's epoll loop over client connections.
type Server struct {
	shared *shmstate.Shared
	addr   string

	connections prometheus.Gauge
	requests    prometheus.Gauge
	errors      prometheus.Gauge
	opCounts    *prometheus.GaugeVec
}

// New builds an admin server bound to addr (e.g. "127.0.0.1:9100"). It does
// not start listening until Serve is called.
func New(shared *shmstate.Shared, addr string) *Server {
	s := &Server{
		shared: shared,
		addr:   addr,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nstradechat_total_connections",
			Help: "Total connections accepted across all workers.",
		}),
		requests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nstradechat_total_requests",
			Help: "Total requests handled across all workers.",
		}),
		errors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nstradechat_total_errors",
			Help: "Total non-OK responses across all workers.",
		}),
		opCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nstradechat_op_count",
			Help: "Requests handled per opcode.",
		}, []string{"opcode"}),
	}
	return s
}

// Serve blocks, handling /healthz and /metrics until the fastHTTP server
// returns (caller runs this in its own goroutine/worker).
func (s *Server) Serve() error {
	nslog.Infof("metrics: admin listener on %s", s.addr)
	return fasthttp.ListenAndServe(s.addr, s.handle)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/metrics":
		s.refresh()
		ctx.SetContentType("text/plain; version=0.0.4")
		fmt.Fprint(ctx, s.renderText())
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) refresh() {
	snap := s.shared.Snapshot()
	s.connections.Set(float64(snap.TotalConnections))
	s.requests.Set(float64(snap.TotalRequests))
	s.errors.Set(float64(snap.TotalErrors))
	for op, v := range snap.OpCounts {
		s.opCounts.WithLabelValues(opcodeName(op)).Set(float64(v))
	}
}

// renderText formats the current gauge values as Prometheus text exposition
// without depending on an HTTP-handler-shaped registry (the admin server
// owns its own tiny rendering loop rather than wiring promhttp.Handler, to
// keep this surface fasthttp-native end to end).
func (s *Server) renderText() string {
	out := fmt.Sprintf(
		"# HELP nstradechat_total_connections Total connections accepted across all workers.\n"+
			"# TYPE nstradechat_total_connections gauge\nnstradechat_total_connections %v\n"+
			"# HELP nstradechat_total_requests Total requests handled across all workers.\n"+
			"# TYPE nstradechat_total_requests gauge\nnstradechat_total_requests %v\n"+
			"# HELP nstradechat_total_errors Total non-OK responses across all workers.\n"+
			"# TYPE nstradechat_total_errors gauge\nnstradechat_total_errors %v\n",
		metricValue(s.connections), metricValue(s.requests), metricValue(s.errors))

	snap := s.shared.Snapshot()
	out += "# HELP nstradechat_op_count Requests handled per opcode.\n# TYPE nstradechat_op_count gauge\n"
	for op, v := range snap.OpCounts {
		out += fmt.Sprintf("nstradechat_op_count{opcode=%q} %d\n", opcodeName(op), v)
	}
	return out
}

func metricValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func opcodeName(op wire.Opcode) string {
	switch op {
	case wire.OpHello:
		return "HELLO"
	case wire.OpLogin:
		return "LOGIN"
	case wire.OpLogout:
		return "LOGOUT"
	case wire.OpHeartbeat:
		return "HEARTBEAT"
	case wire.OpJoinRoom:
		return "JOIN_ROOM"
	case wire.OpLeaveRoom:
		return "LEAVE_ROOM"
	case wire.OpChatSend:
		return "CHAT_SEND"
	case wire.OpChatBcast:
		return "CHAT_BROADCAST"
	case wire.OpDeposit:
		return "DEPOSIT"
	case wire.OpWithdraw:
		return "WITHDRAW"
	case wire.OpTransfer:
		return "TRANSFER"
	case wire.OpBalance:
		return "BALANCE"
	default:
		return fmt.Sprintf("0x%04X", uint16(op))
	}
}

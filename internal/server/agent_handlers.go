package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/lnescrow/internal/agent"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/security"
	"github.com/mbd888/lnescrow/internal/validation"
)

// AgentService is the part of *agent.Agent the control API drives.
type AgentService interface {
	PubKey() string
	Alive() bool
	PendingCount() int
	GetProfile(ctx context.Context) (escrow.AgentProfile, error)
	SaveProfile(ctx context.Context, p escrow.AgentProfile) error
	BroadcastProfile(ctx context.Context) error
	Relays() []string
	SetRelays(relays []string)
	Trade(ctx context.Context, id string) (*agent.Trade, error)
	Trades(ctx context.Context) ([]*agent.Trade, error)
	Payouts(ctx context.Context) (map[string]agent.Payout, error)
}

var _ AgentService = (*agent.Agent)(nil)

func (s *Server) agentRoutes(g *gin.RouterGroup, admin gin.HandlerFunc) {
	g.GET("/profile", s.getProfile)
	g.PUT("/profile", admin, s.saveProfile)
	g.POST("/profile/broadcast", admin, s.broadcastProfile)
	g.GET("/relays", s.getRelays)
	g.PUT("/relays", admin, s.setRelays)
	g.GET("/trades", s.listAgentTrades)
	g.GET("/trades/:id", validation.HexParamMiddleware("id"), s.getAgentTrade)
	g.GET("/payouts", admin, s.listPayouts)
}

func (s *Server) getProfile(c *gin.Context) {
	p, err := s.agent.GetProfile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pubkey": s.agent.PubKey(), "profile": p})
}

func (s *Server) saveProfile(c *gin.Context) {
	var p escrow.AgentProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid profile body")
		return
	}
	if err := s.agent.SaveProfile(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

func (s *Server) broadcastProfile(c *gin.Context) {
	if err := s.agent.BroadcastProfile(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) getRelays(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"relays": s.agent.Relays()})
}

type relaysRequest struct {
	Relays []string `json:"relays"`
}

func (s *Server) setRelays(c *gin.Context) {
	var req relaysRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Relays) == 0 {
		badRequest(c, "relays must be a non-empty list")
		return
	}
	for _, r := range req.Relays {
		if err := security.ValidateRelayURL(r); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	s.agent.SetRelays(req.Relays)
	c.JSON(http.StatusOK, gin.H{"relays": req.Relays})
}

func (s *Server) listAgentTrades(c *gin.Context) {
	cursor, limit, ok := pageQuery(c)
	if !ok {
		return
	}
	trades, err := s.agent.Trades(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if state := c.Query("state"); state != "" {
		filtered := trades[:0]
		for _, t := range trades {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	respondTradePage(c, trades, cursor, limit, func(t *agent.Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
}

func (s *Server) getAgentTrade(c *gin.Context) {
	t, err := s.agent.Trade(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (s *Server) listPayouts(c *gin.Context) {
	all, err := s.agent.Payouts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	payouts := make([]agent.Payout, 0, len(all))
	for _, p := range all {
		payouts = append(payouts, p)
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].NextAttempt.Before(payouts[j].NextAttempt) })
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

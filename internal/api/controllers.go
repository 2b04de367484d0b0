package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tradegate/internal/broker"
	"tradegate/internal/gateway"
)

type webhookLeg struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Qty       int     `json:"qty"`
	PriceMode string  `json:"price_mode"`
	Price     float64 `json:"price"`
	StopLoss  float64 `json:"stop_loss"`
	Target    float64 `json:"target"`
	Trailing  float64 `json:"trailing"`
}

type webhookPayload struct {
	Secret     string       `json:"secret"`
	Kind       string       `json:"kind"`
	Strategy   string       `json:"strategy"`
	Exchange   string       `json:"exchange"`
	Product    string       `json:"product"`
	Underlying string       `json:"underlying"`
	Expiry     string       `json:"expiry"`
	Tag        string       `json:"tag"`
	Legs       []webhookLeg `json:"legs"`
}

// statusToHTTP maps pipeline outcomes onto transport codes. "Unable to act"
// (degraded/failed) is kept distinct from "your input was invalid".
func statusToHTTP(s gateway.Status) int {
	switch s {
	case gateway.StatusAccepted:
		return http.StatusOK
	case gateway.StatusUnauthorized:
		return http.StatusUnauthorized
	case gateway.StatusInvalid:
		return http.StatusBadRequest
	case gateway.StatusBlocked:
		return http.StatusUnprocessableEntity
	case gateway.StatusDegraded:
		return http.StatusServiceUnavailable
	case gateway.StatusFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// webhook receives trade signals. The shared secret inside the payload is
// the only authentication on this route; everything else is the pipeline's
// decision.
func (s *Server) webhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": gateway.StatusInvalid,
			"reason": "malformed payload",
		})
		return
	}

	cmd := gateway.Command{
		Secret:   payload.Secret,
		Strategy: payload.Strategy,
		Tag:      payload.Tag,
	}
	switch strings.ToUpper(strings.TrimSpace(payload.Kind)) {
	case "ENTRY":
		cmd.Kind = broker.KindEntry
	case "ADJUST":
		cmd.Kind = broker.KindAdjust
	case "EXIT":
		cmd.Kind = broker.KindExit
	default:
		// Let the gateway reject it after the secret check, so an attacker
		// probing kinds cannot distinguish validation from authentication.
		cmd.Kind = broker.Kind(payload.Kind)
	}

	for _, leg := range payload.Legs {
		cmd.Legs = append(cmd.Legs, broker.OrderRequest{
			Exchange:  payload.Exchange,
			Symbol:    leg.Symbol,
			Side:      broker.Side(strings.ToUpper(leg.Side)),
			Qty:       leg.Qty,
			Product:   payload.Product,
			PriceMode: normalizePriceMode(leg.PriceMode),
			Price:     leg.Price,
			StopLoss:  leg.StopLoss,
			Target:    leg.Target,
			Trailing:  leg.Trailing,
			Tag:       payload.Tag,
		})
	}

	ctx := c.Request.Context()
	var res gateway.Result
	if cmd.Kind == broker.KindExit {
		res = s.Gateway.Register(ctx, cmd)
	} else {
		res = s.Gateway.Submit(ctx, cmd)
	}
	c.JSON(statusToHTTP(res.Status), res)
}

func normalizePriceMode(mode string) broker.PriceMode {
	if strings.EqualFold(mode, "limit") {
		return broker.PriceLimit
	}
	return broker.PriceMarket
}

// getPositions returns both views: what the guard believes and what the
// broker reports. Divergence between the two is exactly what reconciliation
// exists to close.
func (s *Server) getPositions(c *gin.Context) {
	live, err := s.Broker.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "BROKER_UNAVAILABLE",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recorded": s.Guard.Snapshot(),
		"broker":   live,
	})
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.DB.ListRecentOrders(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Risk.Status())
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.Broker.Session())
}

// exitStrategy force-closes one strategy through the normal pipeline.
func (s *Server) exitStrategy(c *gin.Context) {
	name := c.Param("name")
	res := s.Gateway.ExitStrategy(c.Request.Context(), name)
	c.JSON(statusToHTTP(res.Status), res)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/pipiwei123/ppwapi/internal/failover"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/gin-gonic/gin"
)

var errSimulatedFailure = errors.New("simulated upstream failure")

// HandleRoutePreview 只读地运行一次分组选择，不上报遥测
// POST /admin/route/preview
func (s *Server) HandleRoutePreview(c *gin.Context) {
	var req RoutePreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	ctx := c.Request.Context()

	var token *model.Token
	if req.TokenID > 0 {
		t, err := s.tokenService.Get(ctx, req.TokenID)
		if err != nil {
			RespondDomainError(c, err)
			return
		}
		token = t
	} else {
		if slices.Contains(req.Groups, model.AutoGroup) && len(model.DedupGroups(req.Groups)) > 1 {
			RespondDomainError(c, model.ErrAutoInMultiGroup)
			return
		}
		token = previewToken(req.Groups)
	}

	excluded := failover.ExcludedGroups{}
	for _, g := range req.Excluded {
		excluded.Add(g)
	}

	resp := RoutePreviewResponse{Candidates: s.selector.Candidates(token)}
	group, err := s.selector.SelectGroup(ctx, token, req.Model, excluded)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	channels, err := s.selector.EligibleChannels(ctx, req.Model, group)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	resp.Group = group
	resp.Channels = channels
	RespondJSON(c, http.StatusOK, resp)
}

// HandleRouteSimulate 用给定的上游结果执行一次完整分发（会真实上报健康遥测）
// POST /admin/route/simulate
func (s *Server) HandleRouteSimulate(c *gin.Context) {
	var req RouteSimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var mu sync.Mutex
	attempts := make([]RouteSimulateAttempt, 0, 4)
	res, err := s.Dispatch(c.Request.Context(), req.TokenID, req.Model, func(_ context.Context, a failover.Attempt) (failover.Completion, error) {
		rec := RouteSimulateAttempt{Number: a.Number, Group: a.Group, ChannelID: a.Channel.ID}
		defer func() {
			mu.Lock()
			attempts = append(attempts, rec)
			mu.Unlock()
		}()
		if slices.Contains(req.FailGroups, a.Group) {
			rec.Error = errSimulatedFailure.Error()
			return failover.Completion{FirstResponseMs: -1}, errSimulatedFailure
		}
		return failover.Completion{FirstResponseMs: req.FRTMs, TotalMs: req.TotalMs}, nil
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, gin.H{
		"result":   res,
		"attempts": attempts,
	})
}

package commission

import (
	"net/http"
	"strconv"
	"time"

	"smallbiznis-commission/pkg/db/pagination"
	"smallbiznis-commission/pkg/errutil"
	"smallbiznis-commission/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// Handler serves the commission JSON API on the gateway mux.
type Handler struct {
	service *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

type route struct {
	method  string
	path    string
	handler runtime.HandlerFunc
}

func (h *Handler) routes() []route {
	return []route{
		{http.MethodPost, "/v1/sales:calculate", h.calculate},

		{http.MethodGet, "/v1/venues/{venue_id}/configs", h.listConfigs},
		{http.MethodPost, "/v1/venues/{venue_id}/configs", h.createConfig},
		{http.MethodGet, "/v1/configs/{config_id}", h.getConfig},
		{http.MethodPatch, "/v1/configs/{config_id}", h.updateConfig},
		{http.MethodGet, "/v1/configs/{config_id}/tiers", h.listTiers},
		{http.MethodPut, "/v1/configs/{config_id}/tiers", h.replaceTiers},
		{http.MethodGet, "/v1/configs/{config_id}/overrides", h.listOverrides},
		{http.MethodPut, "/v1/configs/{config_id}/overrides/{staff_id}", h.upsertOverride},

		{http.MethodGet, "/v1/venues/{venue_id}/calculations", h.listCalculations},

		{http.MethodPost, "/v1/venues/{venue_id}/payouts:resolve", h.resolvePayouts},
		{http.MethodGet, "/v1/venues/{venue_id}/payouts", h.listPayouts},
		{http.MethodGet, "/v1/payouts/{payout_id}", h.getPayout},
		{http.MethodPost, "/v1/payouts/{payout_id}:approve", h.approvePayout},
		{http.MethodPost, "/v1/payouts/{payout_id}:dispatch", h.dispatchPayout},
		{http.MethodPost, "/v1/payouts/{payout_id}:cancel", h.cancelPayout},
		{http.MethodPost, "/v1/payouts/{payout_id}:complete", h.completePayout},
		{http.MethodPost, "/v1/payouts/{payout_id}:retry", h.retryPayout},
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *runtime.ServeMux) error {
	for _, rt := range h.routes() {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return err
		}
	}
	return nil
}

type listResponse[T any] struct {
	Data     []*T                 `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info,omitempty"`
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var sale Sale
	if err := httpapi.DecodeJSON(r, &sale); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	calc, err := h.service.CalculateCommission(r.Context(), sale)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, calc)
}

func (h *Handler) listConfigs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	page, err := pageOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	configs, info, err := h.service.ListConfigs(r.Context(), params["venue_id"], page)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Config]{Data: configs, PageInfo: info})
}

func (h *Handler) createConfig(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var in ConfigInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	cfg, err := h.service.CreateConfig(r.Context(), params["venue_id"], in)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, params map[string]string) {
	cfg, err := h.service.GetConfig(r.Context(), params["config_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var patch ConfigPatch
	if err := httpapi.DecodeJSON(r, &patch); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	cfg, err := h.service.UpdateConfig(r.Context(), params["config_id"], patch)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) listTiers(w http.ResponseWriter, r *http.Request, params map[string]string) {
	tiers, err := h.service.ListTiers(r.Context(), params["config_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Tier]{Data: tiers})
}

func (h *Handler) replaceTiers(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		Tiers []TierInput `json:"tiers"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	tiers, err := h.service.ReplaceTiers(r.Context(), params["config_id"], req.Tiers)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Tier]{Data: tiers})
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request, params map[string]string) {
	overrides, err := h.service.ListOverrides(r.Context(), params["config_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Override]{Data: overrides})
}

func (h *Handler) upsertOverride(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var in OverrideInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	ov, err := h.service.UpsertOverride(r.Context(), params["config_id"], params["staff_id"], in)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ov)
}

func (h *Handler) listCalculations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	page, err := pageOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	from, err := timeParam(q.Get("from"), "from")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	to, err := timeParam(q.Get("to"), "to")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	calcs, info, err := h.service.ListCalculations(r.Context(), params["venue_id"], CalculationFilter{
		StaffID:  q.Get("staff_id"),
		ConfigID: q.Get("config_id"),
		From:     from,
		To:       to,
		Page:     page,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Calculation]{Data: calcs, PageInfo: info})
}

func (h *Handler) resolvePayouts(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		PeriodEnd time.Time `json:"period_end"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	payouts, err := h.service.ResolvePayouts(r.Context(), params["venue_id"], req.PeriodEnd)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Payout]{Data: payouts})
}

func (h *Handler) listPayouts(w http.ResponseWriter, r *http.Request, params map[string]string) {
	page, err := pageOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	payouts, info, err := h.service.ListPayouts(r.Context(), params["venue_id"], PayoutFilter{
		StaffID: q.Get("staff_id"),
		Status:  PayoutStatus(q.Get("status")),
		Page:    page,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listResponse[Payout]{Data: payouts, PageInfo: info})
}

func (h *Handler) getPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	payout, err := h.service.GetPayout(r.Context(), params["payout_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payout)
}

func (h *Handler) approvePayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeOptional(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	payout, err := h.service.ApprovePayout(r.Context(), params["payout_id"], req.ApprovedBy)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payout)
}

func (h *Handler) dispatchPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := decodeOptional(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	payout, queued, err := h.service.RequestDispatch(r.Context(), params["payout_id"], req.PaymentMethod)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	code := http.StatusOK
	if queued {
		code = http.StatusAccepted
	}
	httpapi.WriteJSON(w, code, payout)
}

func (h *Handler) cancelPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	payout, err := h.service.CancelPayout(r.Context(), params["payout_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payout)
}

func (h *Handler) completePayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	payout, err := h.service.CompletePayout(r.Context(), params["payout_id"], req.Success, req.Reason)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payout)
}

func (h *Handler) retryPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	payout, err := h.service.RetryPayout(r.Context(), params["payout_id"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, payout)
}

// decodeOptional decodes a body that callers may omit entirely.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return httpapi.DecodeJSON(r, dst)
}

func pageOf(r *http.Request) (pagination.Pagination, error) {
	q := r.URL.Query()
	page := pagination.Pagination{Cursor: q.Get("cursor")}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return page, errutil.BadRequest("limit must be a non-negative integer", err)
		}
		page.Limit = pagination.PageSize(limit)
	}
	return page, nil
}

func timeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errutil.BadRequest(name+" must be an RFC3339 timestamp", err)
	}
	return &t, nil
}

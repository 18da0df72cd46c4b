package api

import (
	"net/http"
	"strconv"

	"timeline-service/internal/feed"
	"timeline-service/internal/models"
	"timeline-service/internal/relation"
	"timeline-service/internal/shared/httpx"
	"timeline-service/internal/status"
)

type Handler struct {
	feeds      *feed.Service
	relations  *relation.Repository
	precompute *feed.Precomputer
}

func NewHandler(feeds *feed.Service, relations *relation.Repository, precompute *feed.Precomputer) *Handler {
	return &Handler{feeds: feeds, relations: relations, precompute: precompute}
}

func page(r *http.Request) status.Page {
	return status.Page{
		Limit:   httpx.QueryInt(r, "limit", feed.DefaultLimit),
		MaxID:   httpx.QueryUint64(r, "max_id"),
		SinceID: httpx.QueryUint64(r, "since_id"),
		MinID:   httpx.QueryUint64(r, "min_id"),
	}
}

func (h *Handler) GetHomeTimeline(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.AccountFromCtx(r)
	if err != nil {
		return err
	}
	rows, err := h.feeds.HomeTimeline(r.Context(), uid, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetListTimeline(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.AccountFromCtx(r)
	if err != nil {
		return err
	}
	listID := pathUint64(r, "id")
	list, err := h.relations.ListByID(r.Context(), listID)
	if err != nil || list.AccountID != uid {
		return httpx.ErrNotFound
	}
	rows, err := h.feeds.ListTimeline(r.Context(), listID, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetDirectTimeline(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.AccountFromCtx(r)
	if err != nil {
		return err
	}
	rows, err := h.feeds.DirectTimeline(r.Context(), uid, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetPublicTimeline(w http.ResponseWriter, r *http.Request) error {
	viewer := httpx.AccountFromCtxOptional(r)
	opts := status.PublicOptions{
		Local:          httpx.QueryBool(r, "local"),
		Remote:         httpx.QueryBool(r, "remote"),
		OnlyMedia:      httpx.QueryBool(r, "only_media"),
		WithoutReplies: !httpx.QueryBool(r, "with_replies"),
		WithoutReblogs: !httpx.QueryBool(r, "with_reblogs"),
	}
	rows, err := h.feeds.PublicTimeline(r.Context(), viewer, opts, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetTagTimeline(w http.ResponseWriter, r *http.Request) error {
	viewer := httpx.AccountFromCtxOptional(r)
	primary := r.PathValue("tag")
	opts := status.TagOptions{
		PublicOptions: status.PublicOptions{
			Local:     httpx.QueryBool(r, "local"),
			Remote:    httpx.QueryBool(r, "remote"),
			OnlyMedia: httpx.QueryBool(r, "only_media"),
		},
		Any:  append([]string{primary}, httpx.QueryList(r, "any", status.TagListCap-1)...),
		All:  httpx.QueryList(r, "all", status.TagListCap),
		None: httpx.QueryList(r, "none", status.TagListCap),
	}
	rows, err := h.feeds.TagTimeline(r.Context(), viewer, opts, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetGroupTimeline(w http.ResponseWriter, r *http.Request) error {
	viewer := httpx.AccountFromCtxOptional(r)
	rows, err := h.feeds.GroupTimeline(r.Context(), pathUint64(r, "id"), viewer, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func (h *Handler) GetLinkTimeline(w http.ResponseWriter, r *http.Request) error {
	viewer := httpx.AccountFromCtxOptional(r)
	url := r.URL.Query().Get("url")
	if url == "" {
		return httpx.ErrNotFound
	}
	rows, err := h.feeds.LinkTimeline(r.Context(), url, viewer, page(r))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

// RebuildHomeFeed forces a precompute of the caller's home feed and
// answers with its most recent page.
func (h *Handler) RebuildHomeFeed(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.AccountFromCtx(r)
	if err != nil {
		return err
	}
	rows, err := h.precompute.Home(r.Context(), uid)
	if err != nil {
		return err
	}
	limit := httpx.QueryInt(r, "limit", feed.DefaultLimit)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	httpx.WriteJSON(w, present(rows), http.StatusOK)
	return nil
}

func pathUint64(r *http.Request, key string) uint64 {
	n, _ := strconv.ParseUint(r.PathValue(key), 10, 64)
	return n
}

type accountJSON struct {
	ID       uint64 `json:"id,string"`
	Username string `json:"username"`
	Domain   string `json:"domain,omitempty"`
}

type statusJSON struct {
	ID         uint64            `json:"id,string"`
	Account    *accountJSON      `json:"account,omitempty"`
	Text       string            `json:"text"`
	Visibility models.Visibility `json:"visibility"`
	Language   string            `json:"language,omitempty"`
	CreatedAt  string            `json:"created_at"`
	Reblog     *statusJSON       `json:"reblog,omitempty"`
}

func present(rows []*models.Status) []statusJSON {
	out := make([]statusJSON, 0, len(rows))
	for _, st := range rows {
		out = append(out, presentOne(st))
	}
	return out
}

func presentOne(st *models.Status) statusJSON {
	j := statusJSON{
		ID:         st.ID,
		Text:       st.Text,
		Visibility: st.Visibility,
		Language:   st.Language,
		CreatedAt:  st.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if st.Account != nil {
		j.Account = &accountJSON{ID: st.Account.ID, Username: st.Account.Username, Domain: st.Account.Domain}
	}
	if st.IsReblog() && st.Reblog != nil {
		r := presentOne(st.Reblog)
		j.Reblog = &r
	}
	return j
}

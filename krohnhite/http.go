package krohnhite

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/generichttp"
)

// HTTPStatus maps amplifier errors to HTTP status codes
func HTTPStatus(err error) int {
	var re *comm.RemoteError
	switch {
	case errors.Is(err, ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, comm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &re):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// HTTPWrapper exposes an Amplifier over HTTP
type HTTPWrapper struct {
	Amp *Amplifier

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper builds the route table for a
func NewHTTPWrapper(a *Amplifier) HTTPWrapper {
	w := HTTPWrapper{Amp: a}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/channels"}:                 w.channels,
		{Method: http.MethodGet, Path: "/channels/{ch}"}:            w.channel,
		{Method: http.MethodPost, Path: "/channels/{ch}/{setting}"}: w.set,
		{Method: http.MethodGet, Path: "/all"}:                      w.getAll,
		{Method: http.MethodPost, Path: "/all"}:                     w.setAll,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) channels(w http.ResponseWriter, r *http.Request) {
	out := []ChannelConfig{}
	for _, ch := range h.Amp.Channels() {
		c, err := h.Amp.Channel(ch)
		if err == nil {
			out = append(out, c)
		}
	}
	generichttp.WriteJSON(w, out)
}

func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		http.Error(w, "channel must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return ch, true
}

func (h HTTPWrapper) channel(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	c, err := h.Amp.Channel(ch)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	generichttp.WriteJSON(w, c)
}

// set takes {"int": n} for gain and shunt and {"str": s} for the others
func (h HTTPWrapper) set(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Int *int    `json:"int"`
		Str *string `json:"str"`
	}
	if !generichttp.Decode(w, r, &body) {
		return
	}
	ctx := r.Context()
	var err error
	switch setting := chi.URLParam(r, "setting"); {
	case (setting == "gain" || setting == "shunt") && body.Int != nil:
		err = h.setInt(ctx, setting, ch, *body.Int)
	case setting == "input" && body.Str != nil:
		err = h.Amp.SetInput(ctx, ch, Input(*body.Str))
	case setting == "couple" && body.Str != nil:
		err = h.Amp.SetCoupling(ctx, ch, Coupling(*body.Str))
	case setting == "filter" && body.Str != nil:
		err = h.Amp.SetFilter(ctx, ch, Filter(*body.Str))
	default:
		http.Error(w, "unknown setting or wrong payload for "+setting, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) setInt(ctx context.Context, setting string, ch, v int) error {
	if setting == "gain" {
		return h.Amp.SetGain(ctx, ch, v)
	}
	return h.Amp.SetShunt(ctx, ch, v)
}

func (h HTTPWrapper) getAll(w http.ResponseWriter, r *http.Request) {
	all, err := h.Amp.GetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	generichttp.WriteJSON(w, all)
}

func (h HTTPWrapper) setAll(w http.ResponseWriter, r *http.Request) {
	var cfgs []ChannelConfig
	if !generichttp.Decode(w, r, &cfgs) {
		return
	}
	if err := h.Amp.SetAll(r.Context(), cfgs); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

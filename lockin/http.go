package lockin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/generichttp"
	"github.com/levylab/golevylab/util"
)

// HTTPStatus maps driver errors to HTTP status codes
func HTTPStatus(err error) int {
	var re *comm.RemoteError
	switch {
	case errors.Is(err, ErrConfig), errors.Is(err, ErrInvalidSweepSpec):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrMeasurementNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrStartupTimeout), errors.Is(err, ErrSweepTimeout), errors.Is(err, comm.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &re), errors.Is(err, ErrBadReply):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), HTTPStatus(err))
}

// HTTPWrapper exposes a Lockin over HTTP
type HTTPWrapper struct {
	Lockin *Lockin

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper builds the route table for l
func NewHTTPWrapper(l *Lockin) HTTPWrapper {
	w := HTTPWrapper{Lockin: l}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/channels"}:                       w.getChannels,
		{Method: http.MethodPost, Path: "/channels"}:                      w.setChannels,
		{Method: http.MethodGet, Path: "/channels/{label}"}:               w.getChannel,
		{Method: http.MethodPost, Path: "/channels/{label}/{field}"}:      w.setChannelField,
		{Method: http.MethodGet, Path: "/state"}:                          generichttp.GetString(w.getState, HTTPStatus),
		{Method: http.MethodPost, Path: "/state"}:                         generichttp.SetString(w.setState, HTTPStatus),
		{Method: http.MethodPost, Path: "/abort"}:                         w.abort,
		{Method: http.MethodGet, Path: "/sweeping"}:                       generichttp.GetBool(l.Sweeping),
		{Method: http.MethodPost, Path: "/sweep"}:                         w.sweep,
		{Method: http.MethodPost, Path: "/sweep-time"}:                    generichttp.SetFloat(w.setSweepTime, HTTPStatus),
		{Method: http.MethodGet, Path: "/waveforms"}:                      w.waveforms,
		{Method: http.MethodGet, Path: "/waveforms/{kind}"}:               w.series,
		{Method: http.MethodGet, Path: "/waveforms/{kind}/csv"}:           w.csv,
		{Method: http.MethodGet, Path: "/waveforms/{kind}/fits"}:          w.fits,
		{Method: http.MethodGet, Path: "/waveforms/{kind}/summary"}:       w.summary,
		{Method: http.MethodGet, Path: "/measurement/{label}/{quantity}"}: w.measurement,
		{Method: http.MethodGet, Path: "/results"}:                        w.results,
		{Method: http.MethodPost, Path: "/reference-channel"}:             w.setRefChannel,
		{Method: http.MethodGet, Path: "/reference-channel"}:              w.getRefChannel,
		{Method: http.MethodGet, Path: "/help"}:                           w.help,
		{Method: http.MethodPost, Path: "/reference"}:                     w.setReference,
		{Method: http.MethodPost, Path: "/reference/{ref}/frequency"}:     w.setRefFrequency,
		{Method: http.MethodPost, Path: "/daq"}:                           w.setDAQ,
		{Method: http.MethodPost, Path: "/sampling"}:                      w.setSampling,
		{Method: http.MethodGet, Path: "/ao-config"}:                      w.aoConfig,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) getChannels(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, h.Lockin.Channels())
}

func (h HTTPWrapper) setChannels(w http.ResponseWriter, r *http.Request) {
	var m map[string]int
	if !generichttp.Decode(w, r, &m) {
		return
	}
	cs, err := h.Lockin.SetChannels(m)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, cs)
}

func (h HTTPWrapper) getChannel(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lockin.Channel(chi.URLParam(r, "label"))
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, s)
}

// setChannelField takes {"f64": v} for numeric fields and {"str": shape} for the function
func (h HTTPWrapper) setChannelField(w http.ResponseWriter, r *http.Request) {
	field, err := ParseField(chi.URLParam(r, "field"))
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		F64 *float64 `json:"f64"`
		Str *string  `json:"str"`
	}
	if !generichttp.Decode(w, r, &body) {
		return
	}
	var v interface{}
	switch {
	case field == FieldFunction && body.Str != nil:
		v = *body.Str
	case field != FieldFunction && body.F64 != nil:
		v = *body.F64
	default:
		http.Error(w, "body must be {\"f64\": number}, or {\"str\": shape} for the function", http.StatusBadRequest)
		return
	}
	if err := h.Lockin.SetChannelField(r.Context(), chi.URLParam(r, "label"), field, v); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) getState(ctx context.Context) (string, error) {
	s, err := h.Lockin.GetState(ctx)
	return string(s), err
}

func (h HTTPWrapper) setState(ctx context.Context, cmd string) error {
	return h.Lockin.SetState(ctx, Command(cmd))
}

func (h HTTPWrapper) setSweepTime(ctx context.Context, secs float64) error {
	return h.Lockin.SetSweepTime(ctx, util.SecsToDuration(secs))
}

func (h HTTPWrapper) abort(w http.ResponseWriter, r *http.Request) {
	if err := h.Lockin.Abort(r.Context()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SweepRequest is the body of POST /sweep.  Times are in seconds;
// zero poll and timeout fields take their DefaultTiming values.
type SweepRequest struct {
	Channels       []Ramp  `json:"channels"`
	InitialWait    float64 `json:"initialWait"`
	SweepTime      float64 `json:"sweepTime"`
	ReturnToStart  bool    `json:"returnToStart"`
	PollInterval   float64 `json:"pollInterval,omitempty"`
	StartupTimeout float64 `json:"startupTimeout,omitempty"`
	SweepTimeout   float64 `json:"sweepTimeout,omitempty"`
}

// Timing resolves the request's timing against DefaultTiming(spec)
func (s SweepRequest) Timing(spec SweepSpec) Timing {
	t := DefaultTiming(spec)
	if s.PollInterval > 0 {
		t.PollInterval = util.SecsToDuration(s.PollInterval)
	}
	if s.StartupTimeout > 0 {
		t.StartupTimeout = util.SecsToDuration(s.StartupTimeout)
	}
	if s.SweepTimeout > 0 {
		t.SweepTimeout = util.SecsToDuration(s.SweepTimeout)
	}
	return t
}

func (h HTTPWrapper) sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !generichttp.Decode(w, r, &req) {
		return
	}
	for i := range req.Channels {
		p, err := ParsePattern(string(req.Channels[i].Pattern))
		if err != nil {
			fail(w, err)
			return
		}
		req.Channels[i].Pattern = p
	}
	spec, err := BuildSweep(req.Channels, util.SecsToDuration(req.InitialWait), util.SecsToDuration(req.SweepTime), req.ReturnToStart)
	if err != nil {
		fail(w, err)
		return
	}
	report, err := h.Lockin.RunSweep(r.Context(), spec, req.Timing(spec))
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, report)
}

func (h HTTPWrapper) fetch(w http.ResponseWriter, r *http.Request) (Bundle, bool) {
	b, err := h.Lockin.FetchWaveforms(r.Context())
	if err != nil {
		fail(w, err)
		return nil, false
	}
	return b, true
}

func (h HTTPWrapper) waveforms(w http.ResponseWriter, r *http.Request) {
	if b, ok := h.fetch(w, r); ok {
		generichttp.WriteJSON(w, b)
	}
}

func (h HTTPWrapper) series(w http.ResponseWriter, r *http.Request) {
	b, ok := h.fetch(w, r)
	if !ok {
		return
	}
	s, err := b.Series(Kind(chi.URLParam(r, "kind")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, s)
}

func (h HTTPWrapper) summary(w http.ResponseWriter, r *http.Request) {
	b, ok := h.fetch(w, r)
	if !ok {
		return
	}
	s, err := b.Summarize(Kind(chi.URLParam(r, "kind")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, s)
}

func (h HTTPWrapper) csv(w http.ResponseWriter, r *http.Request) {
	b, ok := h.fetch(w, r)
	if !ok {
		return
	}
	kind := Kind(chi.URLParam(r, "kind"))
	if _, ok := b[kind]; !ok {
		http.Error(w, "no "+kind.WireKey()+" in bundle", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(kind)+`.csv"`)
	if err := b.WriteCSV(w, kind); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTPWrapper) fits(w http.ResponseWriter, r *http.Request) {
	b, ok := h.fetch(w, r)
	if !ok {
		return
	}
	kind := Kind(chi.URLParam(r, "kind"))
	if _, ok := b[kind]; !ok {
		http.Error(w, "no "+kind.WireKey()+" in bundle", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(kind)+`.fits"`)
	if err := b.WriteFITS(w, kind); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTPWrapper) measurement(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuantity(chi.URLParam(r, "quantity"))
	if err != nil {
		fail(w, err)
		return
	}
	v, err := h.Lockin.ReadMeasurementByLabel(r.Context(), chi.URLParam(r, "label"), q)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, generichttp.FloatT{F64: v})
}

func (h HTTPWrapper) results(w http.ResponseWriter, r *http.Request) {
	res, err := h.Lockin.ReadResults(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, res)
}

func (h HTTPWrapper) getRefChannel(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, generichttp.IntT{Int: h.Lockin.ReferenceChannel()})
}

func (h HTTPWrapper) setRefChannel(w http.ResponseWriter, r *http.Request) {
	var in generichttp.IntT
	if !generichttp.Decode(w, r, &in) {
		return
	}
	if in.Int < 1 {
		http.Error(w, "reference channel must be positive", http.StatusBadRequest)
		return
	}
	h.Lockin.SetReferenceChannel(in.Int)
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) help(w http.ResponseWriter, r *http.Request) {
	lines, err := comm.Help(r.Context(), h.Lockin.Caller(), r.URL.Query().Get("method"))
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, lines)
}

// setReference takes the full reference table as a JSON array
func (h HTTPWrapper) setReference(w http.ResponseWriter, r *http.Request) {
	var refs []RefConfig
	if !generichttp.Decode(w, r, &refs) {
		return
	}
	if err := h.Lockin.SetReference(r.Context(), refs); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) setRefFrequency(w http.ResponseWriter, r *http.Request) {
	ref, err := strconv.Atoi(chi.URLParam(r, "ref"))
	if err != nil {
		http.Error(w, "reference must be an integer", http.StatusBadRequest)
		return
	}
	var in generichttp.FloatT
	if !generichttp.Decode(w, r, &in) {
		return
	}
	if err := h.Lockin.SetReferenceFrequency(r.Context(), ref, in.F64); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) setDAQ(w http.ResponseWriter, r *http.Request) {
	var daqs []DAQConfig
	if !generichttp.Decode(w, r, &daqs) {
		return
	}
	if err := h.Lockin.SetDAQ(r.Context(), daqs); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SamplingRequest is the body of POST /sampling
type SamplingRequest struct {
	Fs      float64 `json:"fs"`
	Samples int     `json:"samples"`
}

func (h HTTPWrapper) setSampling(w http.ResponseWriter, r *http.Request) {
	var in SamplingRequest
	if !generichttp.Decode(w, r, &in) {
		return
	}
	if err := h.Lockin.SetSampling(r.Context(), in.Fs, in.Samples); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) aoConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Lockin.AOConfig(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.WriteJSON(w, raw)
}

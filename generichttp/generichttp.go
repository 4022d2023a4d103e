// Package generichttp defines route tables for devices exposed over HTTP
// and the small JSON payloads shared by all of them.
//
// A driver's HTTP wrapper fills a RouteTable keyed by (method, path) and
// satisfies HTTPer; the server binds every table onto its own chi router
// and mounts it under the node's endpoint.
package generichttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.com/levylab/golevylab/util"
)

// MethodPath is an HTTP method and route pattern, e.g. {GET, /channels/{label}}
type MethodPath struct {
	Method string
	Path   string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps routes to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the unique paths in the table, sorted
func (rt RouteTable) Endpoints() []string {
	paths := make([]string, 0, len(rt))
	for mp := range rt {
		paths = append(paths, mp.Path)
	}
	paths = util.UniqueString(paths)
	sort.Strings(paths)
	return paths
}

// Bind registers every route on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
}

// HTTPer is anything that exposes a RouteTable
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize turns "omc/nkt", "/omc/nkt/" or "/omc/nkt/*" into "/omc/nkt"
func SubMuxSanitize(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), "*")
	s = strings.Trim(s, "/")
	return "/" + s
}

// FloatT is the {"f64": value} payload
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is the {"int": value} payload
type IntT struct {
	Int int `json:"int"`
}

// StrT is the {"str": value} payload
type StrT struct {
	Str string `json:"str"`
}

// BoolT is the {"bool": value} payload
type BoolT struct {
	Bool bool `json:"bool"`
}

// StatusFunc maps an error to an HTTP status code
type StatusFunc func(error) int

// WriteJSON encodes v as the response body.  Encoding happens before the
// status is written, so a value that cannot be encoded replies 500.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(b, '\n'))
}

// Decode reads a JSON body into v, replying 400 and returning false on failure
func Decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// SetFloat parses a JSON input of {"f64": value} and calls fcn with it
func SetFloat(fcn func(context.Context, float64) error, status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		if !Decode(w, r, &f) {
			return
		}
		if err := fcn(r.Context(), f.F64); err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {"str": value}
func GetString(fcn func(context.Context) (string, error), status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn(r.Context())
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		WriteJSON(w, StrT{Str: s})
	}
}

// SetString parses a JSON input of {"str": value} and calls fcn with it
func SetString(fcn func(context.Context, string) error, status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		if !Decode(w, r, &s) {
			return
		}
		if err := fcn(r.Context(), s.Str); err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {"bool": value}
func GetBool(fcn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, BoolT{Bool: fcn()})
	}
}

// SetBool parses a JSON input of {"bool": value} and calls fcn with it
func SetBool(fcn func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		if !Decode(w, r, &b) {
			return
		}
		fcn(b.Bool)
		w.WriteHeader(http.StatusOK)
	}
}

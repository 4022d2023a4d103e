package configdb

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/levylab/golevylab/expconfig"
	"github.com/levylab/golevylab/krohnhite"
)

var stamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db, "")
	if err != nil {
		t.Fatal(err)
	}
	s.Now = func() time.Time { return stamp }
	return s, mock
}

func TestNewDefaultsAndValidatesTable(t *testing.T) {
	s, _ := newStore(t)
	if s.Table() != DefaultTable {
		t.Errorf("expected table %s, got %s", DefaultTable, s.Table())
	}
	if _, err := New(nil, "bad; DROP TABLE x"); err == nil {
		t.Error("expected an invalid table name to be rejected")
	}
}

func TestUpload(t *testing.T) {
	s, mock := newStore(t)
	cfg := expconfig.Config{
		Lockin:    map[string]int{"Vg": 1},
		KrohnHite: []krohnhite.ChannelConfig{{Channel: 1, Gain: 10, Input: "DIFF", Couple: "DC", Filter: "OFF"}},
		Note:      "cooldown 4",
	}
	q := regexp.QuoteMeta(`INSERT INTO "flexconfig" (datetime, wirebonding_info, kh_config_info, experiment_info, lockin_config_info) VALUES ($1,$2,$3,$4,$5)`)
	mock.ExpectExec(q).
		WithArgs(stamp, "{}", sqlmock.AnyArg(), `"cooldown 4"`, `{"Vg":1}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ts, err := s.Upload(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(stamp) {
		t.Errorf("expected stamp %v, got %v", stamp, ts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUploadPropagatesFailure(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("connection refused"))
	if _, err := s.Upload(context.Background(), expconfig.Config{}); err == nil {
		t.Error("expected the insert failure to be returned")
	}
}

func TestLatest(t *testing.T) {
	s, mock := newStore(t)
	rows := sqlmock.NewRows([]string{"datetime", "wirebonding_info", "kh_config_info", "experiment_info", "lockin_config_info"}).
		AddRow(stamp, []byte("{}"),
			[]byte(`[{"channel":2,"gain":100,"input":"SE+","shunt":50,"couple":"AC","filter":"ON"}]`),
			[]byte(`"cooldown 4"`), []byte(`{"Vg":1,"Vsd":2}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT datetime, wirebonding_info, kh_config_info, experiment_info, lockin_config_info FROM "flexconfig" ORDER BY datetime DESC LIMIT 1`)).
		WillReturnRows(rows)

	r, err := s.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := expconfig.Config{
		Lockin:    map[string]int{"Vg": 1, "Vsd": 2},
		KrohnHite: []krohnhite.ChannelConfig{{Channel: 2, Gain: 100, Input: "SE+", Shunt: 50, Couple: "AC", Filter: "ON"}},
		Note:      "cooldown 4",
	}
	if diff := cmp.Diff(want, r.Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if !r.Time.Equal(stamp) {
		t.Errorf("expected time %v, got %v", stamp, r.Time)
	}
}

func TestLatestEmptyTable(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrNoRows)
	if _, err := s.Latest(context.Background()); !errors.Is(err, ErrNoConfig) {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}
}

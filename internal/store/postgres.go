package store

import (
    "context"
    "database/sql"
    "database/sql/driver"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgconn"
    _ "github.com/jackc/pgx/v5/stdlib"

    "unibus/internal/duty"
    "unibus/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if err := p.db.PingContext(ctx); err != nil {
        return fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    return nil
}

// opTimeout bounds every store call so a stalled connection surfaces as
// ErrUnavailable instead of holding the handler open.
const opTimeout = 5 * time.Second

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
    return context.WithTimeout(ctx, opTimeout)
}

// storeErr classifies driver errors. Transport failures (timeouts, dropped
// connections, Postgres 08xxx/shutdown states) become ErrUnavailable; unique
// violations become ErrConflict; sql.ErrNoRows and anything already wrapped
// in a sentinel pass through for the caller to interpret.
func storeErr(err error) error {
    if err == nil || errors.Is(err, sql.ErrNoRows) {
        return err
    }
    if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyActed) || errors.Is(err, ErrUnavailable) {
        return err
    }
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
        return fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    var netErr net.Error
    if errors.As(err, &netErr) {
        return fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    var pgErr *pgconn.PgError
    if errors.As(err, &pgErr) {
        switch {
        case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
            pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", // shutdown states
            pgErr.Code == "53300": // too many connections
            return fmt.Errorf("%w: %v", ErrUnavailable, err)
        case pgErr.Code == "23505": // unique violation
            return fmt.Errorf("%w: %v", ErrConflict, err)
        }
    }
    return err
}

// MigrateDir applies *.sql files from dir in lexical order. Files are
// idempotent (CREATE TABLE IF NOT EXISTS), so re-running on boot is safe.
func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    var names []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, n := range names {
        b, err := os.ReadFile(filepath.Join(dir, n))
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", n, err)
        }
    }
    return nil
}

// Drivers

const driverCols = `id, COALESCE(name,''), COALESCE(shift,''), COALESCE(bus_id,''), updated_at`

func scanDriver(row interface{ Scan(...any) error }) (model.Driver, error) {
    var d model.Driver
    var bus string
    if err := row.Scan(&d.ID, &d.Name, &d.Shift, &bus, &d.UpdatedAt); err != nil {
        return d, err
    }
    d.BusID = model.BusID(bus)
    return d, nil
}

func (p *Postgres) GetDriver(ctx context.Context, driverID string) (model.Driver, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, driverID))
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Driver{}, ErrNotFound }
        return model.Driver{}, storeErr(err)
    }
    d.RouteID, err = p.routeForBus(ctx, d.BusID)
    return d, storeErr(err)
}

func (p *Postgres) routeForBus(ctx context.Context, bus model.BusID) (string, error) {
    if bus.IsReserved() { return "", nil }
    var route string
    err := p.db.QueryRowContext(ctx, `SELECT COALESCE(route_id,'') FROM buses WHERE id=$1`, string(bus)).Scan(&route)
    if errors.Is(err, sql.ErrNoRows) { return "", nil }
    return route, err
}

func (p *Postgres) ListDrivers(ctx context.Context, cursor string, limit int) ([]model.Driver, string, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT `+driverCols+`, (SELECT COALESCE(b.route_id,'') FROM buses b WHERE b.id=drivers.bus_id) FROM drivers WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT `+driverCols+`, (SELECT COALESCE(b.route_id,'') FROM buses b WHERE b.id=drivers.bus_id) FROM drivers ORDER BY id LIMIT $1`, limit)
    }
    if err != nil { return nil, "", storeErr(err) }
    defer rows.Close()
    out := []model.Driver{}
    var last string
    for rows.Next() {
        var d model.Driver
        var bus string
        var route sql.NullString
        if err := rows.Scan(&d.ID, &d.Name, &d.Shift, &bus, &d.UpdatedAt, &route); err != nil { return nil, "", storeErr(err) }
        d.BusID = model.BusID(bus)
        d.RouteID = route.String
        out = append(out, d)
        last = d.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) UpsertDriver(ctx context.Context, d model.Driver) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    _, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, name, shift, bus_id, updated_at) VALUES ($1,$2,$3,$4,now())
        ON CONFLICT (id) DO UPDATE SET name=$2, shift=$3, bus_id=$4, updated_at=now()`,
        d.ID, d.Name, string(d.Shift), nullIfEmpty(string(d.BusID)))
    if err != nil { return storeErr(err) }
    if d.RouteID != "" && !d.BusID.IsReserved() {
        _, err = p.db.ExecContext(ctx, `INSERT INTO buses (id, route_id) VALUES ($1,$2)
            ON CONFLICT (id) DO UPDATE SET route_id=$2`, string(d.BusID), d.RouteID)
    }
    return storeErr(err)
}

func (p *Postgres) SetAssignment(ctx context.Context, driverID string, busID model.BusID, routeID string) (model.Driver, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Driver{}, storeErr(err) }
    defer func(){ _ = tx.Rollback() }()

    var cur sql.NullString
    if err := tx.QueryRowContext(ctx, `SELECT bus_id FROM drivers WHERE id=$1 FOR UPDATE`, driverID).Scan(&cur); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Driver{}, ErrNotFound }
        return model.Driver{}, storeErr(err)
    }
    var activeID string
    err = tx.QueryRowContext(ctx, `SELECT id::text FROM swap_requests WHERE status='accepted' AND (from_driver_id=$1 OR to_driver_id=$1) LIMIT 1`, driverID).Scan(&activeID)
    if err == nil {
        return model.Driver{}, fmt.Errorf("%w: driver %s is party to accepted swap %s", ErrConflict, driverID, activeID)
    }
    if !errors.Is(err, sql.ErrNoRows) { return model.Driver{}, storeErr(err) }
    if !busID.IsReserved() {
        var holder string
        err = tx.QueryRowContext(ctx, `SELECT id FROM drivers WHERE bus_id=$1 AND id<>$2 LIMIT 1`, string(busID), driverID).Scan(&holder)
        if err == nil {
            return model.Driver{}, fmt.Errorf("%w: bus %s already operated by driver %s", ErrConflict, busID, holder)
        }
        if !errors.Is(err, sql.ErrNoRows) { return model.Driver{}, storeErr(err) }
        if routeID != "" {
            if _, err := tx.ExecContext(ctx, `INSERT INTO buses (id, route_id) VALUES ($1,$2)
                ON CONFLICT (id) DO UPDATE SET route_id=$2`, string(busID), routeID); err != nil {
                return model.Driver{}, storeErr(err)
            }
        }
    }
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET bus_id=$1, updated_at=now() WHERE id=$2`, nullIfEmpty(string(busID)), driverID); err != nil {
        return model.Driver{}, storeErr(err)
    }
    if err := tx.Commit(); err != nil { return model.Driver{}, storeErr(err) }
    return p.GetDriver(ctx, driverID)
}

// Swap requests

const swapCols = `id::text, from_driver_id, to_driver_id, COALESCE(bus_id,''), COALESCE(route_id,''), swap_type,
    COALESCE(secondary_bus_id,''), period_kind, period_start, period_end, status, pending_expiry,
    COALESCE(reason,''), created_at, accepted_at, rejected_at, COALESCE(from_prev_bus_id,''), COALESCE(to_prev_bus_id,'')`

func scanSwap(row interface{ Scan(...any) error }) (model.SwapRequest, error) {
    var r model.SwapRequest
    var bus, secondary, fromPrev, toPrev string
    var acceptedAt, rejectedAt sql.NullTime
    err := row.Scan(&r.ID, &r.FromDriverID, &r.ToDriverID, &bus, &r.RouteID, &r.SwapType,
        &secondary, &r.Period.Kind, &r.Period.Start, &r.Period.End, &r.Status, &r.PendingExpiry,
        &r.Reason, &r.CreatedAt, &acceptedAt, &rejectedAt, &fromPrev, &toPrev)
    if err != nil { return r, err }
    r.BusID = model.BusID(bus)
    r.SecondaryBusID = model.BusID(secondary)
    r.FromPrevBusID = model.BusID(fromPrev)
    r.ToPrevBusID = model.BusID(toPrev)
    if acceptedAt.Valid { t := acceptedAt.Time; r.AcceptedAt = &t }
    if rejectedAt.Valid { t := rejectedAt.Time; r.RejectedAt = &t }
    return r, nil
}

func (p *Postgres) CreateSwapRequest(ctx context.Context, req model.SwapRequest) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    defer func(){ _ = tx.Rollback() }()

    // Lock both driver rows in a fixed order so concurrent creates serialize.
    ids := []string{req.FromDriverID, req.ToDriverID}
    sort.Strings(ids)
    buses := map[string]string{}
    for _, id := range ids {
        var bus sql.NullString
        if err := tx.QueryRowContext(ctx, `SELECT bus_id FROM drivers WHERE id=$1 FOR UPDATE`, id).Scan(&bus); err != nil {
            if errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, fmt.Errorf("%w: driver %s", ErrNotFound, id) }
            return model.SwapRequest{}, storeErr(err)
        }
        buses[id] = bus.String
    }
    if buses[req.FromDriverID] == "" || model.BusID(buses[req.FromDriverID]) != req.BusID {
        return model.SwapRequest{}, fmt.Errorf("%w: driver %s does not hold bus %s", ErrConflict, req.FromDriverID, req.BusID.Label())
    }
    var busyReq, busyDriver string
    err = tx.QueryRowContext(ctx, `SELECT id::text, CASE WHEN from_driver_id IN ($1,$2) THEN from_driver_id ELSE to_driver_id END
        FROM swap_requests WHERE status IN ('pending','accepted')
        AND (from_driver_id IN ($1,$2) OR to_driver_id IN ($1,$2)) LIMIT 1`, req.FromDriverID, req.ToDriverID).Scan(&busyReq, &busyDriver)
    if err == nil {
        return model.SwapRequest{}, fmt.Errorf("%w: driver %s already involved in request %s", ErrConflict, busyDriver, busyReq)
    }
    if !errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, storeErr(err) }

    req.ID = uuid.New().String()
    req.Status = model.StatusPending
    if req.SwapType == model.SwapExchange { req.SecondaryBusID = model.BusID(buses[req.ToDriverID]) }
    var route sql.NullString
    _ = tx.QueryRowContext(ctx, `SELECT route_id FROM buses WHERE id=$1`, string(req.BusID)).Scan(&route)
    req.RouteID = route.String

    _, err = tx.ExecContext(ctx, `INSERT INTO swap_requests (id, from_driver_id, to_driver_id, bus_id, route_id, swap_type, secondary_bus_id, period_kind, period_start, period_end, status, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',$11)`,
        req.ID, req.FromDriverID, req.ToDriverID, string(req.BusID), nullIfEmpty(req.RouteID), string(req.SwapType),
        nullIfEmpty(string(req.SecondaryBusID)), string(req.Period.Kind), req.Period.Start, req.Period.End, req.CreatedAt)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    if err := tx.Commit(); err != nil { return model.SwapRequest{}, storeErr(err) }
    return req, nil
}

func (p *Postgres) GetSwapRequest(ctx context.Context, id string) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    r, err := scanSwap(p.db.QueryRowContext(ctx, `SELECT `+swapCols+` FROM swap_requests WHERE id=$1`, id))
    if errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, ErrNotFound }
    return r, storeErr(err)
}

func (p *Postgres) ListSwapRequests(ctx context.Context, driverID string, status model.SwapStatus, cursor string, limit int) ([]model.SwapRequest, string, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + swapCols + ` FROM swap_requests WHERE 1=1`
    args := []any{}
    idx := 1
    if driverID != "" {
        q += fmt.Sprintf(` AND (from_driver_id=$%d OR to_driver_id=$%d)`, idx, idx)
        args = append(args, driverID)
        idx++
    }
    if status != "" {
        q += fmt.Sprintf(` AND status=$%d`, idx)
        args = append(args, string(status))
        idx++
    }
    if cursor != "" {
        q += fmt.Sprintf(` AND id::text > $%d`, idx)
        args = append(args, cursor)
        idx++
    }
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", storeErr(err) }
    defer rows.Close()
    out := []model.SwapRequest{}
    var last string
    for rows.Next() {
        r, err := scanSwap(rows)
        if err != nil { return nil, "", storeErr(err) }
        out = append(out, r)
        last = r.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

// lockSwap loads a request row FOR UPDATE inside tx.
func lockSwap(ctx context.Context, tx *sql.Tx, id string) (model.SwapRequest, error) {
    r, err := scanSwap(tx.QueryRowContext(ctx, `SELECT `+swapCols+` FROM swap_requests WHERE id=$1 FOR UPDATE`, id))
    if errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, ErrNotFound }
    return r, storeErr(err)
}

func (p *Postgres) AcceptSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    defer func(){ _ = tx.Rollback() }()

    r, err := lockSwap(ctx, tx, id)
    if err != nil { return model.SwapRequest{}, err }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    ids := []string{r.FromDriverID, r.ToDriverID}
    sort.Strings(ids)
    buses := map[string]string{}
    for _, did := range ids {
        var bus sql.NullString
        if err := tx.QueryRowContext(ctx, `SELECT bus_id FROM drivers WHERE id=$1 FOR UPDATE`, did).Scan(&bus); err != nil {
            if errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, fmt.Errorf("%w: driver %s", ErrNotFound, did) }
            return model.SwapRequest{}, storeErr(err)
        }
        buses[did] = bus.String
    }
    var otherID string
    err = tx.QueryRowContext(ctx, `SELECT id::text FROM swap_requests WHERE status='accepted' AND id<>$1
        AND (from_driver_id IN ($2,$3) OR to_driver_id IN ($2,$3)) LIMIT 1`, r.ID, r.FromDriverID, r.ToDriverID).Scan(&otherID)
    if err == nil {
        return model.SwapRequest{}, fmt.Errorf("%w: a party is already in accepted swap %s", ErrConflict, otherID)
    }
    if !errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, storeErr(err) }
    if model.BusID(buses[r.FromDriverID]) != r.BusID {
        return model.SwapRequest{}, fmt.Errorf("%w: offered bus %s no longer held by driver %s", ErrConflict, r.BusID.Label(), r.FromDriverID)
    }

    r.FromPrevBusID = model.BusID(buses[r.FromDriverID])
    r.ToPrevBusID = model.BusID(buses[r.ToDriverID])
    if r.SwapType == model.SwapExchange { r.SecondaryBusID = r.ToPrevBusID }
    pair := duty.Resolve(r.BusID, r.ToPrevBusID, r.SwapType)
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET bus_id=$1, updated_at=$2 WHERE id=$3`, nullIfEmpty(string(pair.FromBus)), now, r.FromDriverID); err != nil {
        return model.SwapRequest{}, storeErr(err)
    }
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET bus_id=$1, updated_at=$2 WHERE id=$3`, nullIfEmpty(string(pair.ToBus)), now, r.ToDriverID); err != nil {
        return model.SwapRequest{}, storeErr(err)
    }
    _, err = tx.ExecContext(ctx, `UPDATE swap_requests SET status='accepted', accepted_at=$2, secondary_bus_id=$3, from_prev_bus_id=$4, to_prev_bus_id=$5 WHERE id=$1`,
        r.ID, now, nullIfEmpty(string(r.SecondaryBusID)), nullIfEmpty(string(r.FromPrevBusID)), nullIfEmpty(string(r.ToPrevBusID)))
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    if err := tx.Commit(); err != nil { return model.SwapRequest{}, storeErr(err) }
    t := now
    r.Status = model.StatusAccepted
    r.AcceptedAt = &t
    return r, nil
}

// casStatus moves a pending request to a terminal status without touching
// assignments (reject, cancel, expire).
func (p *Postgres) casStatus(ctx context.Context, id string, to model.SwapStatus, reason string, rejectedAt *time.Time) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    defer func(){ _ = tx.Rollback() }()
    r, err := lockSwap(ctx, tx, id)
    if err != nil { return model.SwapRequest{}, err }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    if reason != "" { r.Reason = reason }
    _, err = tx.ExecContext(ctx, `UPDATE swap_requests SET status=$2, reason=$3, rejected_at=$4 WHERE id=$1`,
        r.ID, string(to), nullIfEmpty(r.Reason), rejectedAt)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    if err := tx.Commit(); err != nil { return model.SwapRequest{}, storeErr(err) }
    r.Status = to
    r.RejectedAt = rejectedAt
    return r, nil
}

func (p *Postgres) RejectSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error) {
    t := now
    return p.casStatus(ctx, id, model.StatusRejected, reason, &t)
}

func (p *Postgres) CancelSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    return p.casStatus(ctx, id, model.StatusCancelled, "", nil)
}

func (p *Postgres) ExpireSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    return p.casStatus(ctx, id, model.StatusExpired, "", nil)
}

func (p *Postgres) EndSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    defer func(){ _ = tx.Rollback() }()

    r, err := lockSwap(ctx, tx, id)
    if err != nil { return model.SwapRequest{}, err }
    if r.Status != model.StatusAccepted {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    ids := []string{r.FromDriverID, r.ToDriverID}
    sort.Strings(ids)
    buses := map[string]string{}
    for _, did := range ids {
        var bus sql.NullString
        if err := tx.QueryRowContext(ctx, `SELECT bus_id FROM drivers WHERE id=$1 FOR UPDATE`, did).Scan(&bus); err != nil {
            if errors.Is(err, sql.ErrNoRows) { return model.SwapRequest{}, fmt.Errorf("%w: driver %s", ErrNotFound, did) }
            return model.SwapRequest{}, storeErr(err)
        }
        buses[did] = bus.String
    }
    applied := duty.Applied(r)
    if model.BusID(buses[r.FromDriverID]) != applied.FromBus || model.BusID(buses[r.ToDriverID]) != applied.ToBus {
        return model.SwapRequest{}, fmt.Errorf("%w: assignments changed since accept", ErrConflict)
    }
    pair := duty.Restore(r.FromPrevBusID, r.ToPrevBusID)
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET bus_id=$1, updated_at=$2 WHERE id=$3`, nullIfEmpty(string(pair.FromBus)), now, r.FromDriverID); err != nil {
        return model.SwapRequest{}, storeErr(err)
    }
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET bus_id=$1, updated_at=$2 WHERE id=$3`, nullIfEmpty(string(pair.ToBus)), now, r.ToDriverID); err != nil {
        return model.SwapRequest{}, storeErr(err)
    }
    if reason != "" { r.Reason = reason }
    _, err = tx.ExecContext(ctx, `UPDATE swap_requests SET status='ended', reason=$2 WHERE id=$1`, r.ID, nullIfEmpty(r.Reason))
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    if err := tx.Commit(); err != nil { return model.SwapRequest{}, storeErr(err) }
    r.Status = model.StatusEnded
    return r, nil
}

// Sweeper support

func (p *Postgres) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+swapCols+` FROM swap_requests WHERE status='pending' AND created_at < $1 ORDER BY created_at LIMIT $2`, cutoff, limit)
    if err != nil { return nil, storeErr(err) }
    defer rows.Close()
    out := []model.SwapRequest{}
    for rows.Next() {
        r, err := scanSwap(rows)
        if err != nil { return nil, storeErr(err) }
        out = append(out, r)
    }
    return out, nil
}

func (p *Postgres) ListElapsedAccepted(ctx context.Context, now time.Time, limit int) ([]model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+swapCols+` FROM swap_requests WHERE status='accepted' AND period_end <= $1 ORDER BY period_end LIMIT $2`, now, limit)
    if err != nil { return nil, storeErr(err) }
    defer rows.Close()
    out := []model.SwapRequest{}
    for rows.Next() {
        r, err := scanSwap(rows)
        if err != nil { return nil, storeErr(err) }
        out = append(out, r)
    }
    return out, nil
}

func (p *Postgres) MarkPendingExpiry(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    res, err := p.db.ExecContext(ctx, `UPDATE swap_requests SET pending_expiry=true WHERE id=$1 AND status='accepted' AND pending_expiry=false`, id)
    if err != nil { return model.SwapRequest{}, storeErr(err) }
    if n, _ := res.RowsAffected(); n == 0 {
        r, err := p.GetSwapRequest(ctx, id)
        if err != nil { return model.SwapRequest{}, err }
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s (pendingExpiry=%t)", ErrAlreadyActed, r.Status, r.PendingExpiry)
    }
    return p.GetSwapRequest(ctx, id)
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, req.Secret)
    if err != nil { return model.Subscription{}, storeErr(err) }
    return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb`, fmt.Sprintf("[%q]", eventType))
    if err != nil { return nil, storeErr(err) }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, storeErr(err) }
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions ORDER BY id LIMIT $1`, limit)
    }
    if err != nil { return nil, "", storeErr(err) }
    defer rows.Close()
    var out []model.Subscription
    var last string
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", storeErr(err) }
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
    return storeErr(err)
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
    if err != nil { return "", storeErr(err) }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, storeErr(err) }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, storeErr(err) }
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
            id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
        return storeErr(err)
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return storeErr(err)
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    if err != nil { return storeErr(err) }
    _, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, delivery_id, event_type, url, secret, payload, attempts, last_error)
        SELECT gen_random_uuid(), id, event_type, url, secret, payload, attempts+1, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
    return storeErr(err)
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE 1=1`
    args := []any{}
    idx := 1
    if status != "" {
        q += fmt.Sprintf(` AND status=$%d`, idx)
        args = append(args, status)
        idx++
    }
    if cursor != "" {
        q += fmt.Sprintf(` AND id::text > $%d`, idx)
        args = append(args, cursor)
        idx++
    }
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", storeErr(err) }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, lastErr, url string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", storeErr(err) }
        m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { m["lastError"] = lastErr }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
    ctx, cancel := opCtx(ctx)
    defer cancel()
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1`, id)
    return storeErr(err)
}

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}

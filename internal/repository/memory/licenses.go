package memory

import (
	"context"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

type licenses struct{ t *tx }

func (r licenses) Create(_ context.Context, l *model.License) error {
	if _, ok := r.t.st.licenses[l.Key]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.t.st.licenseKeys[l.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := copyLicense(*l)
	c.Ephemeral = false
	r.t.st.licenses[l.Key] = c
	r.t.st.licenseKeys[l.ID] = l.Key
	return nil
}

func (r licenses) GetByKey(_ context.Context, key string) (*model.License, error) {
	l, ok := r.t.st.licenses[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := copyLicense(l)
	c.Status = c.EffectiveStatus(r.t.clk.Now())
	return &c, nil
}

func (r licenses) GetByID(ctx context.Context, id uuid.UUID) (*model.License, error) {
	key, ok := r.t.st.licenseKeys[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.GetByKey(ctx, key)
}

func (r licenses) SetStatus(_ context.Context, key string, status model.LicenseStatus, now time.Time) (bool, error) {
	l, ok := r.t.st.licenses[key]
	if !ok {
		return false, errs.ErrNotFound
	}
	if !l.Status.CanTransitionTo(status) {
		return false, errs.ErrInvalidTransition
	}
	if l.Status == status {
		return false, nil
	}
	l.Status = status
	l.UpdatedAt = now
	r.t.st.licenses[key] = l
	return true, nil
}

func (r licenses) BindHardware(_ context.Context, key, hwid string, now time.Time) (bool, error) {
	l, ok := r.t.st.licenses[key]
	if !ok {
		return false, errs.ErrNotFound
	}
	if l.BoundHardwareID != "" {
		return false, nil
	}
	l.BoundHardwareID = hwid
	l.UpdatedAt = now
	r.t.st.licenses[key] = l
	return true, nil
}

func (r licenses) Extend(_ context.Context, key string, days int, now time.Time) (*model.License, error) {
	l, ok := r.t.st.licenses[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if l.Status == model.StatusRevoked {
		return nil, errs.ErrRevoked
	}
	l.ExpiresAt = l.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	if l.Status == model.StatusExpired && now.Before(l.ExpiresAt) {
		l.Status = model.StatusActive
	}
	l.UpdatedAt = now
	r.t.st.licenses[key] = l
	c := copyLicense(l)
	c.Status = c.EffectiveStatus(now)
	return &c, nil
}

func (r licenses) Activate(ctx context.Context, req repository.ActivationRequest) (model.ActivationOutcome, error) {
	key, ok := r.t.st.licenseKeys[req.LicenseID]
	if !ok {
		return model.ActivationOutcome{}, errs.ErrNotFound
	}
	l := r.t.st.licenses[key]
	acts := r.t.st.activations[req.LicenseID]
	_, exists := acts[req.HardwareID]

	d, err := repository.DecideActivation(repository.ActivationState{
		MaxDevices: l.MaxDevices,
		BoundHWID:  l.BoundHardwareID,
		Count:      len(acts),
		Exists:     exists,
	}, req)
	if err != nil {
		return model.ActivationOutcome{}, err
	}

	if d.Insert || d.Touch {
		if err := (activations{r.t}).Upsert(ctx, model.Activation{
			LicenseID:  req.LicenseID,
			HardwareID: d.Target(req),
			LastSeenAt: req.Now,
			LastIP:     req.IP,
		}); err != nil {
			return model.ActivationOutcome{}, err
		}
	}
	out := model.ActivationOutcome{Added: d.Insert}
	if d.Bind {
		if out.Bound, err = r.BindHardware(ctx, key, req.HardwareID, req.Now); err != nil {
			return model.ActivationOutcome{}, err
		}
	}
	out.Count = len(r.t.st.activations[req.LicenseID])
	return out, nil
}

func (r licenses) Compact(_ context.Context, horizon time.Time) (int, error) {
	n := 0
	for key, l := range r.t.st.licenses {
		if (l.Status == model.StatusRevoked && l.UpdatedAt.Before(horizon)) || l.ExpiresAt.Before(horizon) {
			delete(r.t.st.licenses, key)
			delete(r.t.st.licenseKeys, l.ID)
			delete(r.t.st.activations, l.ID)
			n++
		}
	}
	return n, nil
}

type activations struct{ t *tx }

func (r activations) Upsert(_ context.Context, a model.Activation) error {
	if _, ok := r.t.st.licenseKeys[a.LicenseID]; !ok {
		return errs.ErrNotFound
	}
	m := r.t.st.activations[a.LicenseID]
	if m == nil {
		m = map[string]model.Activation{}
		r.t.st.activations[a.LicenseID] = m
	}
	if cur, ok := m[a.HardwareID]; ok {
		cur.LastSeenAt = a.LastSeenAt
		cur.LastIP = a.LastIP
		m[a.HardwareID] = cur
		return nil
	}
	if a.FirstActivatedAt.IsZero() {
		a.FirstActivatedAt = a.LastSeenAt
	}
	m[a.HardwareID] = a
	return nil
}

func (r activations) Count(_ context.Context, licenseID uuid.UUID) (int, error) {
	return len(r.t.st.activations[licenseID]), nil
}

func (r activations) List(_ context.Context, licenseID uuid.UUID) ([]model.Activation, error) {
	out := make([]model.Activation, 0, len(r.t.st.activations[licenseID]))
	for _, a := range r.t.st.activations[licenseID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstActivatedAt.Equal(out[j].FirstActivatedAt) {
			return out[i].HardwareID < out[j].HardwareID
		}
		return out[i].FirstActivatedAt.Before(out[j].FirstActivatedAt)
	})
	return out, nil
}

func (r activations) DeleteForLicense(_ context.Context, licenseID uuid.UUID) (int, error) {
	n := len(r.t.st.activations[licenseID])
	delete(r.t.st.activations, licenseID)
	return n, nil
}

type revocations struct{ t *tx }

func (r revocations) Add(_ context.Context, e model.RevocationEntry) error {
	r.t.st.revocations = append(r.t.st.revocations, e)
	return nil
}

func (r revocations) Get(_ context.Context, key string) (*model.RevocationEntry, error) {
	for _, e := range r.t.st.revocations {
		if e.LicenseKey == key {
			c := e
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func copyLicense(l model.License) model.License {
	l.Features = append([]string(nil), l.Features...)
	return l
}

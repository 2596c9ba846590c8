package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/storage"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
)

type memoryRepo struct {
	mu         sync.Mutex
	docs       map[uuid.UUID]*Document
	failCreate error
	publicOnly []bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: map[uuid.UUID]*Document{}}
}

func (m *memoryRepo) Create(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memoryRepo) Update(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]*Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Document{}
	for _, d := range m.docs {
		if f.PatientUserID != nil && d.PatientUserID != *f.PatientUserID {
			continue
		}
		if f.PublicOnly && !d.IsPublic {
			continue
		}
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *memoryRepo) RecordDownload(_ context.Context, id uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return 0, ErrNotFound
	}
	d.DownloadCount++
	d.LastDownloaded = &at
	return d.DownloadCount, nil
}

func (m *memoryRepo) Categories(_ context.Context, patientID uuid.UUID, publicOnly bool) ([]CategorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicOnly = append(m.publicOnly, publicOnly)
	counts := map[string]*CategorySummary{}
	out := []CategorySummary{}
	for _, d := range m.docs {
		if d.PatientID != patientID || (publicOnly && !d.IsPublic) {
			continue
		}
		key := d.Category
		if key == "" {
			key = d.Type
		}
		if counts[key] == nil {
			counts[key] = &CategorySummary{Category: key}
		}
		counts[key].Count++
		counts[key].TotalSize += d.FileSize
	}
	for _, c := range counts {
		out = append(out, *c)
	}
	return out, nil
}

// brokenStore accepts uploads and fails every delete.
type brokenStore struct {
	mu      sync.Mutex
	deletes []string
}

func (b *brokenStore) Name() string { return "broken" }

func (b *brokenStore) Upload(_ context.Context, body io.Reader, info storage.FileInfo, folder string) (*storage.Object, error) {
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return nil, err
	}
	key, err := storage.NewKey(folder, info.Name)
	if err != nil {
		return nil, err
	}
	return &storage.Object{Key: key, Size: n, MimeType: info.ContentType, Provider: b.Name()}, nil
}

func (b *brokenStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, key)
	return errors.New("bucket unavailable")
}

func (b *brokenStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example.com/" + key, nil
}

func (b *brokenStore) Exists(context.Context, string) (bool, error) { return true, nil }

type stubClinics map[uuid.UUID]uuid.UUID

func (s stubClinics) CheckAccess(_ context.Context, p tenancy.Principal, clinicID uuid.UUID) error {
	if p.IsAdmin() || s[p.UserID] == clinicID {
		return nil
	}
	return apierr.Forbidden("You do not have access to this clinic")
}

func (s stubClinics) Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error) {
	if requested != nil {
		if err := s.CheckAccess(ctx, p, *requested); err != nil {
			return nil, err
		}
		return []uuid.UUID{*requested}, nil
	}
	return []uuid.UUID{s[p.UserID]}, nil
}

type stubPatients map[uuid.UUID]*patients.Patient

func (s stubPatients) Lookup(_ context.Context, id uuid.UUID) (*patients.Patient, error) {
	p, ok := s[id]
	if !ok {
		return nil, apierr.NotFound("Patient not found")
	}
	return p, nil
}

func (s stubPatients) Mine(_ context.Context, actor tenancy.Principal) (*patients.Patient, error) {
	for _, p := range s {
		if p.UserID == actor.UserID {
			return p, nil
		}
	}
	return nil, apierr.NotFound("Patient profile not found")
}

type recordingNotifier struct {
	mu     sync.Mutex
	shared []uuid.UUID
}

func (n *recordingNotifier) DocumentShared(_ context.Context, d *Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shared = append(n.shared, d.ID)
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (a *recordingAuditor) Record(_ context.Context, e audit.Event, _ any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, e.Action)
}

type fixture struct {
	svc          *Service
	repo         *memoryRepo
	dir          string
	notifier     *recordingNotifier
	auditor      *recordingAuditor
	clinicID     uuid.UUID
	doctor       tenancy.Principal
	nurse        tenancy.Principal
	patient      *patients.Patient
	patientActor tenancy.Principal
}

var fixedNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, files storage.Provider) fixture {
	t.Helper()
	dir := t.TempDir()
	if files == nil {
		local, err := storage.NewLocalProvider(dir, "http://localhost:8080/uploads", nil)
		require.NoError(t, err)
		files = local
	}
	clinicID := uuid.New()
	doctor := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleDoctor, Name: "Grace Hopper"}
	nurse := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleNurse, Name: "Mary Seacole"}
	patient := &patients.Patient{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		ClinicID:   clinicID,
		ClinicName: "Northside",
		User:       patients.Person{FirstName: "Ada", LastName: "Lovelace"},
	}
	repo := newMemoryRepo()
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	svc := NewService(repo, files,
		stubClinics{doctor.UserID: clinicID, nurse.UserID: clinicID},
		stubPatients{patient.ID: patient},
		nil,
	).WithNotifier(notifier).WithAuditor(auditor)
	svc.now = func() time.Time { return fixedNow }
	return fixture{
		svc: svc, repo: repo, dir: dir, notifier: notifier, auditor: auditor,
		clinicID: clinicID, doctor: doctor, nurse: nurse, patient: patient,
		patientActor: tenancy.Principal{UserID: patient.UserID, Role: tenancy.RolePatient},
	}
}

func (f fixture) upload(t *testing.T, in UploadInput) *Document {
	t.Helper()
	in.ClinicID, in.PatientID = f.clinicID, f.patient.ID
	body := []byte("%PDF-1.4 results")
	doc, err := f.svc.Upload(context.Background(), f.nurse, in, bytes.NewReader(body), storage.FileInfo{
		Name:        "cbc.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(body)),
	})
	require.NoError(t, err)
	return doc
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok, "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.Status)
}

func TestUploadStoresFileAndMetadata(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, UploadInput{Category: "blood work", Tags: []string{" cbc ", "", "cbc", "fasting"}})

	assert.Equal(t, "cbc.pdf", doc.Title)
	assert.Equal(t, TypeOther, doc.Type)
	assert.Equal(t, []string{"cbc", "fasting"}, doc.Tags)
	assert.Equal(t, "local", doc.Provider)
	assert.Equal(t, fixedNow, doc.DocumentDate)
	assert.True(t, strings.HasPrefix(doc.FileKey, "clinics/"+f.clinicID.String()+"/patients/"+f.patient.ID.String()+"/documents/"))
	assert.True(t, strings.HasSuffix(doc.FileKey, ".pdf"))

	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(doc.FileKey)))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 results", string(data))
	assert.Equal(t, []audit.Action{audit.ActionDocumentUploaded}, f.auditor.actions)
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Upload(context.Background(), f.nurse, UploadInput{ClinicID: f.clinicID, PatientID: f.patient.ID},
		strings.NewReader("#!/bin/sh"), storage.FileInfo{Name: "run.sh", ContentType: "text/x-shellscript", Size: 9})
	requireStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestUploadAcceptsContentTypeParameters(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.svc.Upload(context.Background(), f.nurse, UploadInput{ClinicID: f.clinicID, PatientID: f.patient.ID},
		strings.NewReader("img"), storage.FileInfo{Name: "scan.PNG", ContentType: "Image/PNG; charset=binary", Size: 3})
	require.NoError(t, err)
	assert.Equal(t, "image/png", doc.MimeType)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.WithLimits(4<<20, 0)
	_, err := f.svc.Upload(context.Background(), f.nurse, UploadInput{ClinicID: f.clinicID, PatientID: f.patient.ID},
		strings.NewReader("x"), storage.FileInfo{Name: "big.pdf", ContentType: "application/pdf", Size: 5 << 20})
	requireStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "Maximum size is 4MB")
}

func TestUploadRestrictedToClinicalStaff(t *testing.T) {
	f := newFixture(t, nil)
	for _, role := range []string{tenancy.RolePatient, tenancy.RoleAccountant} {
		actor := tenancy.Principal{UserID: uuid.New(), Role: role}
		_, err := f.svc.Upload(context.Background(), actor, UploadInput{ClinicID: f.clinicID, PatientID: f.patient.ID},
			strings.NewReader("x"), storage.FileInfo{Name: "a.pdf", ContentType: "application/pdf", Size: 1})
		requireStatus(t, err, http.StatusForbidden)
	}
}

func TestUploadRemovesObjectWhenInsertFails(t *testing.T) {
	store := &brokenStore{}
	f := newFixture(t, store)
	f.repo.failCreate = errors.New("insert failed")

	_, err := f.svc.Upload(context.Background(), f.nurse, UploadInput{ClinicID: f.clinicID, PatientID: f.patient.ID},
		strings.NewReader("x"), storage.FileInfo{Name: "a.pdf", ContentType: "application/pdf", Size: 1})
	require.Error(t, err)
	assert.Len(t, store.deletes, 1)
}

func TestPatientSeesOnlySharedDocuments(t *testing.T) {
	f := newFixture(t, nil)
	private := f.upload(t, UploadInput{Title: "Internal note"})
	shared := f.upload(t, UploadInput{Title: "Lab results", Type: TypeLabReport, IsPublic: true})
	f.svc.Wait()

	_, err := f.svc.Get(context.Background(), f.patientActor, private.ID)
	requireStatus(t, err, http.StatusForbidden)

	got, err := f.svc.Get(context.Background(), f.patientActor, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lab results", got.Title)

	mine, err := f.svc.Mine(context.Background(), f.patientActor, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, shared.ID, mine[0].ID)
	assert.Equal(t, []uuid.UUID{shared.ID}, f.notifier.shared)
}

func TestUpdateSharingNotifiesOnce(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, UploadInput{})
	yes := true
	title := "Chest X-ray"

	updated, err := f.svc.Update(context.Background(), f.doctor, doc.ID, UpdateInput{IsPublic: &yes, Title: &title})
	require.NoError(t, err)
	assert.True(t, updated.IsPublic)
	assert.Equal(t, "Chest X-ray", updated.Title)

	_, err = f.svc.Update(context.Background(), f.doctor, doc.ID, UpdateInput{IsPublic: &yes})
	require.NoError(t, err)
	f.svc.Wait()
	assert.Len(t, f.notifier.shared, 1)
}

func TestDeleteLogsStorageFailureAndSucceeds(t *testing.T) {
	store := &brokenStore{}
	f := newFixture(t, store)
	doc := f.upload(t, UploadInput{})

	require.NoError(t, f.svc.Delete(context.Background(), f.doctor, doc.ID))
	assert.Equal(t, []string{doc.FileKey}, store.deletes)
	_, err := f.repo.Get(context.Background(), doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, f.auditor.actions, audit.ActionDocumentDeleted)
}

func TestDeleteRequiresDoctorOrAdmin(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, UploadInput{})
	requireStatus(t, f.svc.Delete(context.Background(), f.nurse, doc.ID), http.StatusForbidden)
}

func TestDownloadCountsAndReturnsLink(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, UploadInput{IsPublic: true})

	link, err := f.svc.Download(context.Background(), f.patientActor, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/uploads/"+doc.FileKey, link.FileURL)
	assert.Equal(t, "application/pdf", link.MimeType)

	_, err = f.svc.Download(context.Background(), f.doctor, doc.ID)
	require.NoError(t, err)
	stored, err := f.repo.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.DownloadCount)
	require.NotNil(t, stored.LastDownloaded)
	f.svc.Wait()
}

func TestByCategoryHidesPrivateDocumentsFromPatients(t *testing.T) {
	f := newFixture(t, nil)
	f.upload(t, UploadInput{Category: "imaging"})
	f.upload(t, UploadInput{Category: "imaging", IsPublic: true})
	f.upload(t, UploadInput{Type: TypeInsurance, IsPublic: true})
	f.svc.Wait()

	groups, err := f.svc.ByCategory(context.Background(), f.patientActor, f.patient.ID)
	require.NoError(t, err)
	total := 0
	for _, g := range groups {
		total += g.Count
	}
	assert.Equal(t, 2, total)

	groups, err = f.svc.ByCategory(context.Background(), f.doctor, f.patient.ID)
	require.NoError(t, err)
	total = 0
	for _, g := range groups {
		total += g.Count
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, []bool{true, false}, f.repo.publicOnly)
}

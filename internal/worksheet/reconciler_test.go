package worksheet

import (
	"context"
	"fmt"
	"testing"

	"worksheet-service/internal/bundle"
	"worksheet-service/internal/domain"
	apiError "worksheet-service/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup map[string]string

func (f fakeLookup) Lookup(_ context.Context, _ domain.Principal, _ string, spec string) (*domain.Worksheet, error) {
	if spec == "ambiguous" {
		return nil, fmt.Errorf("spec %s: %w", spec, domain.ErrAmbiguous)
	}
	if id, ok := f[spec]; ok {
		return &domain.Worksheet{UUID: id, Name: spec}, nil
	}
	return nil, fmt.Errorf("worksheet %s: %w", spec, domain.ErrNotFound)
}

func newTestReconciler() (*Reconciler, *fakeBundles) {
	bundles := &fakeBundles{
		infos: map[string]bundle.Info{},
		specs: map[string]string{"model.bin": "0xb1"},
	}
	return NewReconciler(bundles, fakeLookup{"sub1": "0xw1"}), bundles
}

func TestReconciler_ResolvesSpecsInOrder(t *testing.T) {
	r, _ := newTestReconciler()

	items, err := r.Reconcile(context.Background(), domain.Principal{UserID: 1}, "0xbase", []ItemInput{
		{Type: domain.ItemTypeMarkup, Value: "# Results"},
		{Type: domain.ItemTypeBundle, BundleSpec: "model.bin", Value: "weights"},
		{Type: domain.ItemTypeWorksheet, SubworksheetSpec: "sub1"},
		{Type: domain.ItemTypeBundle, BundleUUID: strPtr("0xunchecked")},
		{Type: domain.ItemTypeDirective, Value: "display table"},
	}, false)
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, "# Results", items[0].Value)
	assert.Nil(t, items[0].BundleUUID)
	assert.Equal(t, "0xb1", *items[1].BundleUUID)
	assert.Equal(t, "weights", items[1].Value)
	assert.Equal(t, "0xw1", *items[2].SubworksheetUUID)
	// ids are weak references and are not looked up
	assert.Equal(t, "0xunchecked", *items[3].BundleUUID)
	assert.Equal(t, domain.ItemTypeDirective, items[4].Type)
}

func TestReconciler_CollectsEveryFieldError(t *testing.T) {
	r, _ := newTestReconciler()

	_, err := r.Reconcile(context.Background(), domain.Principal{UserID: 1}, "0xbase", []ItemInput{
		{Type: domain.ItemTypeMarkup, Value: "x", BundleUUID: strPtr("0xb1")},
		{Type: domain.ItemTypeBundle},
		{Type: domain.ItemTypeWorksheet, SubworksheetSpec: "nope"},
		{Type: domain.ItemTypeWorksheet, SubworksheetSpec: "ambiguous"},
		{Type: "image"},
	}, false)

	var apiErr *apiError.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
	assert.Len(t, apiErr.Fields, 5)
	for _, key := range []string{
		"items[0]",
		"items[1].bundle",
		"items[2].subworksheet",
		"items[3].subworksheet",
		"items[4].type",
	} {
		assert.Contains(t, apiErr.Fields, key)
	}
}

func TestReconciler_LegacyKeepsPlaceholders(t *testing.T) {
	r, _ := newTestReconciler()

	items, err := r.Reconcile(context.Background(), domain.Principal{UserID: 1}, "0xbase", []ItemInput{
		{Type: domain.ItemTypeBundle, BundleSpec: "gone.txt"},
		{Type: domain.ItemTypeWorksheet, SubworksheetSpec: "old-sheet"},
	}, true)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "gone.txt", *items[0].BundleUUID)
	assert.Equal(t, "old-sheet", *items[1].SubworksheetUUID)
}

func TestReconciler_DirectoryFailureIsNotAFieldError(t *testing.T) {
	r, _ := newTestReconciler()
	failing := fmt.Errorf("bundle service unavailable")
	r.bundles = &erroringBundles{err: failing}

	_, err := r.Reconcile(context.Background(), domain.Principal{UserID: 1}, "0xbase", []ItemInput{
		{Type: domain.ItemTypeBundle, BundleSpec: "model.bin"},
	}, true)
	require.ErrorIs(t, err, failing)
}

type erroringBundles struct {
	err error
}

func (e *erroringBundles) BatchGetBundleInfo(context.Context, []string) (map[string]bundle.Info, error) {
	return nil, e.err
}

func (e *erroringBundles) ResolveBundleSpec(context.Context, string, string) (string, error) {
	return "", e.err
}

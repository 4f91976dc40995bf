// Package storetest seeds stores with a tenant hierarchy for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// Tenant is an organization with one project and one parsed file.
type Tenant struct {
	Org     *models.Organization
	Project *models.Project
	File    *models.PdfFile
	Actor   models.Actor
}

// SeedTenant creates an organization, project and file.
func SeedTenant(t *testing.T, s store.Store, name string) *Tenant {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	org := &models.Organization{
		OrgID:     uuid.Must(uuid.NewV7()),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateOrganization(ctx, org))

	project := &models.Project{
		ProjectID: uuid.Must(uuid.NewV7()),
		OrgID:     org.OrgID,
		Name:      name + " project",
		CreatedBy: name + "-admin",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateProject(ctx, project))

	file := &models.PdfFile{
		FileID:     uuid.Must(uuid.NewV7()),
		ProjectID:  project.ProjectID,
		OrgID:      org.OrgID,
		Name:       "report.pdf",
		StorageRef: org.OrgID.String() + "/" + project.ProjectID.String() + "/source.pdf",
		SizeBytes:  1024,
		PageCount:  1,
		Status:     models.FileStatusParsed,
		UploadedBy: name + "-admin",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateFile(ctx, file))

	return &Tenant{
		Org:     org,
		Project: project,
		File:    file,
		Actor:   models.Actor{OrgID: org.OrgID, UserID: name + "-annotator"},
	}
}

// Table builds a small two column table with a header row.
func Table(tenant *Tenant, page int) *models.ParsedTable {
	return &models.ParsedTable{
		TableID:   uuid.Must(uuid.NewV7()),
		FileID:    tenant.File.FileID,
		ProjectID: tenant.Project.ProjectID,
		OrgID:     tenant.Org.OrgID,
		Page:      page,
		SourceRef: "t1",
		Version:   1,
		BBox:      models.BBox{10, 10, 210, 70},
		NRows:     3,
		NCols:     2,
		Cells: []models.Cell{
			{Row: 0, Col: 0, Text: "Region", BBox: models.BBox{10, 10, 110, 30}, RowSpan: 1, ColSpan: 1, IsHeader: true, Confidence: 0.9},
			{Row: 0, Col: 1, Text: "Revenue", BBox: models.BBox{110, 10, 210, 30}, RowSpan: 1, ColSpan: 1, IsHeader: true, Confidence: 0.9},
			{Row: 1, Col: 0, Text: "North", BBox: models.BBox{10, 30, 110, 50}, RowSpan: 1, ColSpan: 1, Confidence: 0.9},
			{Row: 1, Col: 1, Text: "1200", BBox: models.BBox{110, 30, 210, 50}, RowSpan: 1, ColSpan: 1, Confidence: 0.9},
			{Row: 2, Col: 0, Text: "South", BBox: models.BBox{10, 50, 110, 70}, RowSpan: 1, ColSpan: 1, Confidence: 0.9},
			{Row: 2, Col: 1, Text: "900", BBox: models.BBox{110, 50, 210, 70}, RowSpan: 1, ColSpan: 1, Confidence: 0.9},
		},
		Meta: models.DetectorMeta{
			Detector:         "geometric",
			ExtractionFlavor: "lattice",
			Confidence:       0.9,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// SeedTable stores a table for the tenant.
func SeedTable(t *testing.T, s store.Store, tenant *Tenant) *models.ParsedTable {
	t.Helper()
	table := Table(tenant, 1)
	require.NoError(t, s.CreateTable(context.Background(), table))
	return table
}

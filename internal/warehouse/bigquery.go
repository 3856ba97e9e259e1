// Copyright 2025 James Ross
package warehouse

import (
	"context"
	"errors"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// BigQuery adapts the Client interface onto cloud.google.com/go/bigquery.
// Like the objectstore.GCS adapter, this is the only file outside
// cmd/ingest-controller (which constructs the client) that imports the
// warehouse SDK, which spec section 1 places out of scope ("interfaces
// only").
type BigQuery struct {
	client    *bigquery.Client
	projectID string
}

// NewBigQuery wraps an already-initialized client bound to projectID
// (BQ_PROJECT/GCP_PROJECT, spec section 6).
func NewBigQuery(client *bigquery.Client, projectID string) *BigQuery {
	return &BigQuery{client: client, projectID: projectID}
}

func (b *BigQuery) SubmitLoadJob(ctx context.Context, jobID, dataset, table, partition string, cfg map[string]interface{}, sourceURIs []string) error {
	refs := make([]*bigquery.GCSReference, 0, len(sourceURIs))
	for _, uri := range sourceURIs {
		refs = append(refs, bigquery.NewGCSReference(uri))
	}
	dest := b.client.Dataset(dataset).Table(table + partitionSuffix(partition))
	loader := dest.LoaderFrom(concatReferences(refs))
	loader.JobID = jobID
	applyLoadConfig(&loader.LoadConfig, cfg)

	job, err := loader.Run(ctx)
	if err != nil {
		return err
	}
	_, err = job.Status(ctx)
	return err
}

func (b *BigQuery) SubmitQueryJob(ctx context.Context, jobID string, sql string, externalCfg map[string]interface{}, sourceURIs []string) error {
	q := b.client.Query(sql)
	q.JobID = jobID
	extDef := &bigquery.ExternalDataConfig{SourceURIs: sourceURIs}
	applyExternalConfig(extDef, externalCfg)
	q.TableDefinitions = map[string]bigquery.ExternalData{ExternalTableAlias: extDef}

	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	_, err = job.Status(ctx)
	return err
}

func (b *BigQuery) JobStatus(ctx context.Context, jobID string) (Status, error) {
	job, err := b.client.JobFromID(ctx, jobID)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return StatusError, err
		}
		return StatusError, err
	}
	status, err := job.Status(ctx)
	if err != nil {
		return StatusError, err
	}
	if status.Err() != nil {
		return StatusError, nil
	}
	if status.Done() {
		return StatusDone, nil
	}
	return StatusRunning, nil
}

func partitionSuffix(partition string) string {
	return partition // already in "$YYYYMMDDHH" or "$<digits>" form, or ""
}

func concatReferences(refs []*bigquery.GCSReference) bigquery.LoadSource {
	// bigquery.NewGCSReference already accepts multiple URIs; callers
	// pass the flattened batch, so a single reference with all URIs is
	// the natural load source.
	if len(refs) == 1 {
		return refs[0]
	}
	uris := make([]string, 0, len(refs))
	for _, r := range refs {
		uris = append(uris, r.URIs...)
	}
	return bigquery.NewGCSReference(uris...)
}

func applyLoadConfig(lc *bigquery.LoadConfig, cfg map[string]interface{}) {
	if v, ok := cfg["writeDisposition"].(string); ok {
		lc.WriteDisposition = bigquery.TableWriteDisposition(v)
	}
	if v, ok := cfg["sourceFormat"].(string); ok {
		if ref, ok := lc.Src.(*bigquery.GCSReference); ok {
			ref.SourceFormat = bigquery.DataFormat(v)
		}
	}
	if v, ok := cfg["fieldDelimiter"].(string); ok {
		if ref, ok := lc.Src.(*bigquery.GCSReference); ok {
			ref.FieldDelimiter = v
		}
	}
}

func applyExternalConfig(ext *bigquery.ExternalDataConfig, cfg map[string]interface{}) {
	if v, ok := cfg["sourceFormat"].(string); ok {
		ext.SourceFormat = bigquery.DataFormat(v)
	}
	if v, ok := cfg["csvOptions"].(map[string]interface{}); ok {
		opts := &bigquery.CSVOptions{}
		if d, ok := v["fieldDelimiter"].(string); ok {
			opts.FieldDelimiter = d
		}
		if n, ok := v["skipLeadingRows"].(float64); ok {
			opts.SkipLeadingRows = int64(n)
		}
		ext.Options = opts
	}
}

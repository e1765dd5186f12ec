package usgs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DownloadID identifies one queued download on the service side. The service
// is inconsistent about the wire type: retrieve responses carry numbers while
// request results carry strings, so unmarshalling accepts both.
type DownloadID string

func (id *DownloadID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty download id")
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("failed to unmarshal download id: %w", err)
		}

		*id = DownloadID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("failed to unmarshal download id: %w", err)
	}

	*id = DownloadID(n.String())

	return nil
}

// Coordinate is a longitude/latitude pair.
type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// AcquisitionFilter limits results by acquisition date. Both bounds are
// ISO8601 date strings.
type AcquisitionFilter struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CloudCoverFilter limits results by cloud cover percentage for datasets
// that support it.
type CloudCoverFilter struct {
	Min            int  `json:"min"`
	Max            int  `json:"max"`
	IncludeUnknown bool `json:"includeUnknown"`
}

// DefaultCloudCoverFilter mirrors the service defaults applied when the
// caller gives no cloud cover bounds.
func DefaultCloudCoverFilter() *CloudCoverFilter {
	return &CloudCoverFilter{Min: 0, Max: 30}
}

// SpatialFilterMbr is a minimum-bounding-rectangle spatial filter.
type SpatialFilterMbr struct {
	FilterType string     `json:"filterType"`
	LowerLeft  Coordinate `json:"lowerLeft"`
	UpperRight Coordinate `json:"upperRight"`
}

// NewSpatialFilterMbr builds an mbr filter from its two corners.
func NewSpatialFilterMbr(lowerLeft, upperRight Coordinate) *SpatialFilterMbr {
	return &SpatialFilterMbr{FilterType: "mbr", LowerLeft: lowerLeft, UpperRight: upperRight}
}

// SceneFilter combines the individual search filters into the shape the
// scene-search endpoint expects.
type SceneFilter struct {
	SpatialFilter     *SpatialFilterMbr  `json:"spatialFilter,omitempty"`
	AcquisitionFilter *AcquisitionFilter `json:"acquisitionFilter,omitempty"`
	CloudCoverFilter  *CloudCoverFilter  `json:"cloudCoverFilter,omitempty"`
	SeasonalFilter    []int              `json:"seasonalFilter,omitempty"`
}

// DownloadOption is one orderable product for a scene as reported by the
// download-options endpoint. Only options with Available set can be requested.
type DownloadOption struct {
	ID            string `json:"id"`
	EntityID      string `json:"entityId"`
	DisplayID     string `json:"displayId"`
	DatasetID     string `json:"datasetId"`
	Available     bool   `json:"available"`
	ProductName   string `json:"productName"`
	FileSize      int64  `json:"filesize"`
	SecondaryDown bool   `json:"secondaryDownloads,omitempty"`
}

// Download identifies one orderable product by (entityId, productId). It is
// the unit submitted to the download-request endpoint.
type Download struct {
	EntityID  string `json:"entityId"`
	ProductID string `json:"productId"`
}

// ResolvedDownload is a download the service has finished staging: the URL
// is fetchable.
type ResolvedDownload struct {
	DownloadID DownloadID `json:"downloadId"`
	URL        string     `json:"url"`
}

// DownloadRequestResult is the download-request response. Every submitted
// product lands in exactly one of NewRecords, DuplicateProducts or Failed
// once staging settles; AvailableDownloads lists the ones fetchable right
// away.
type DownloadRequestResult struct {
	NewRecords         []DownloadID       `json:"newRecords"`
	DuplicateProducts  []DownloadID       `json:"duplicateProducts"`
	Failed             []DownloadID       `json:"failed"`
	PreparingDownloads bool               `json:"preparingDownloads"`
	AvailableDownloads []ResolvedDownload `json:"availableDownloads"`
}

// DownloadRetrieveResult is one download-retrieve poll response.
type DownloadRetrieveResult struct {
	Available []ResolvedDownload `json:"available"`
	Requested []ResolvedDownload `json:"requested"`
}

// Dataset holds the collection details reported by dataset-search.
type Dataset struct {
	CollectionName string `json:"collectionName"`
	DatasetAlias   string `json:"datasetAlias"`
}

// MetadataField is one metadata entry of a scene-search result.
type MetadataField struct {
	FieldName string `json:"fieldName"`
	Value     any    `json:"value"`
}

// BrowseInfo is one browse/thumbnail entry of a scene-search result.
type BrowseInfo struct {
	BrowseName    string `json:"browseName"`
	BrowsePath    string `json:"browsePath"`
	ThumbnailPath string `json:"thumbnailPath"`
}

// SceneRecord is one scene-search result.
type SceneRecord struct {
	EntityID         string          `json:"entityId"`
	DisplayID        string          `json:"displayId"`
	CloudCover       json.Number     `json:"cloudCover"`
	PublishDate      string          `json:"publishDate"`
	TemporalCoverage map[string]any  `json:"temporalCoverage"`
	SpatialBounds    json.RawMessage `json:"spatialBounds"`
	Metadata         []MetadataField `json:"metadata"`
	Browse           []BrowseInfo    `json:"browse"`
	Options          map[string]bool `json:"options"`
}

// SceneSearchResult is the scene-search response envelope.
type SceneSearchResult struct {
	Results         []SceneRecord `json:"results"`
	RecordsReturned int           `json:"recordsReturned"`
	TotalHits       int           `json:"totalHits"`
	StartingNumber  int           `json:"startingNumber"`
	NextRecord      int           `json:"nextRecord"`
}

// MetadataTable flattens each result's metadata entries into one
// fieldName -> value row per scene.
func (r *SceneSearchResult) MetadataTable() []map[string]any {
	rows := make([]map[string]any, 0, len(r.Results))

	for _, scene := range r.Results {
		row := make(map[string]any, len(scene.Metadata))
		for _, field := range scene.Metadata {
			row[field.FieldName] = field.Value
		}

		rows = append(rows, row)
	}

	return rows
}

// BrowseTable flattens each result's browse entries into one row per scene,
// keyed by "<browseName> Browse Path" and "<browseName> Thumbnail Path".
func (r *SceneSearchResult) BrowseTable() []map[string]string {
	rows := make([]map[string]string, 0, len(r.Results))

	for _, scene := range r.Results {
		row := make(map[string]string, 2*len(scene.Browse))
		for _, b := range scene.Browse {
			row[b.BrowseName+" Browse Path"] = b.BrowsePath
			row[b.BrowseName+" Thumbnail Path"] = b.ThumbnailPath
		}

		rows = append(rows, row)
	}

	return rows
}

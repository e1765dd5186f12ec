package usgs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/italolelis/theia/internal/logctx"
)

// SceneSearch queries the catalog with the given payload.
func (c *Client) SceneSearch(ctx context.Context, payload SceneSearchPayload) (*SceneSearchResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx).With("dataset", payload.DatasetName)

	logger.DebugContext(ctx, "searching scenes")

	data, err := c.send(ctx, "scene-search", payload)
	if err != nil {
		return nil, err
	}

	var result SceneSearchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode scene search result: %w", err)
	}

	logger.DebugContext(ctx, "scene search successful",
		"records_returned", result.RecordsReturned,
		"total_hits", result.TotalHits,
	)

	return &result, nil
}

// GenerateSceneFilter compiles user-facing search params into the filter
// shape the scene-search endpoint expects. When no cloud cover bounds are
// given the service defaults apply.
func GenerateSceneFilter(params SearchParams) (*SceneFilter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	filter := &SceneFilter{}

	switch {
	case len(params.BBox) == 2:
		filter.SpatialFilter = NewSpatialFilterMbr(params.BBox[0], params.BBox[1])
	case params.Longitude != nil && params.Latitude != nil:
		point := Coordinate{Longitude: *params.Longitude, Latitude: *params.Latitude}
		filter.SpatialFilter = NewSpatialFilterMbr(point, point)
	}

	if params.StartDate != "" && params.EndDate != "" {
		filter.AcquisitionFilter = &AcquisitionFilter{Start: params.StartDate, End: params.EndDate}
	}

	switch {
	case params.MinCloudCover != nil && params.MaxCloudCover != nil:
		filter.CloudCoverFilter = &CloudCoverFilter{Min: *params.MinCloudCover, Max: *params.MaxCloudCover}
	case params.MaxCloudCover != nil:
		filter.CloudCoverFilter = &CloudCoverFilter{Max: *params.MaxCloudCover}
	case params.MinCloudCover != nil:
		cc := DefaultCloudCoverFilter()
		cc.Min = *params.MinCloudCover
		filter.CloudCoverFilter = cc
	default:
		filter.CloudCoverFilter = DefaultCloudCoverFilter()
	}

	if len(params.Months) > 0 {
		filter.SeasonalFilter = params.Months
	}

	return filter, nil
}

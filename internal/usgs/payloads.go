package usgs

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DownloadOptionsPayload is the request body for the download-options
// endpoint. Scenes are identified either by an explicit entityIds list or by
// a previously created scene list.
type DownloadOptionsPayload struct {
	DatasetName                string   `json:"datasetName" validate:"required"`
	EntityIDs                  []string `json:"entityIds,omitempty" validate:"required_without=ListID"`
	ListID                     string   `json:"listId,omitempty" validate:"required_without=EntityIDs"`
	IncludeSecondaryFileGroups bool     `json:"includeSecondaryFileGroups"`
}

func (p DownloadOptionsPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid download-options payload: %w", err)
	}

	return nil
}

// DownloadRequestPayload is the request body for the download-request
// endpoint. The label correlates the batch with later download-retrieve
// polls.
type DownloadRequestPayload struct {
	Downloads []Download `json:"downloads" validate:"required,min=1,dive"`
	Label     string     `json:"label" validate:"required"`
}

func (p DownloadRequestPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid download-request payload: %w", err)
	}

	return nil
}

// DownloadRetrievePayload is the request body for the download-retrieve
// endpoint.
type DownloadRetrievePayload struct {
	Label string `json:"label" validate:"required"`
}

// SceneListAddPayload is the request body for scene-list-add. Exactly one of
// EntityID or EntityIDs must be set.
type SceneListAddPayload struct {
	ListID                   string   `json:"listId" validate:"required"`
	DatasetName              string   `json:"datasetName" validate:"required"`
	IDField                  string   `json:"idField,omitempty" validate:"omitempty,oneof=entityId displayId"`
	EntityID                 string   `json:"entityId,omitempty" validate:"required_without=EntityIDs,excluded_with=EntityIDs"`
	EntityIDs                []string `json:"entityIds,omitempty" validate:"required_without=EntityID,excluded_with=EntityID"`
	TimeToLive               string   `json:"timeToLive,omitempty"`
	CheckDownloadRestriction bool     `json:"checkDownloadRestriction,omitempty"`
}

func (p SceneListAddPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid scene-list-add payload: %w", err)
	}

	return nil
}

// SceneListRemovePayload is the request body for scene-list-remove. With no
// entity fields set the whole list is removed.
type SceneListRemovePayload struct {
	ListID      string   `json:"listId" validate:"required"`
	DatasetName string   `json:"datasetName,omitempty"`
	EntityID    string   `json:"entityId,omitempty" validate:"excluded_with=EntityIDs"`
	EntityIDs   []string `json:"entityIds,omitempty" validate:"excluded_with=EntityID"`
}

func (p SceneListRemovePayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid scene-list-remove payload: %w", err)
	}

	return nil
}

// SceneSearchPayload is the request body for scene-search.
type SceneSearchPayload struct {
	DatasetName    string       `json:"datasetName" validate:"required"`
	MaxResults     int          `json:"maxResults,omitempty" validate:"omitempty,min=1"`
	StartingNumber int          `json:"startingNumber,omitempty"`
	MetadataType   string       `json:"metadataType,omitempty" validate:"omitempty,oneof=full summary"`
	SortField      string       `json:"sortField,omitempty"`
	SortDirection  string       `json:"sortDirection,omitempty" validate:"omitempty,oneof=ASC DESC"`
	SceneFilter    *SceneFilter `json:"sceneFilter,omitempty"`
	BulkListName   string       `json:"bulkListName,omitempty"`
	OrderListName  string       `json:"orderListName,omitempty"`
}

func (p SceneSearchPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid scene-search payload: %w", err)
	}

	return nil
}

// SearchParams are the user-facing search knobs that get compiled into a
// SceneFilter. Point (Longitude/Latitude) and BBox spatial filters are
// mutually exclusive; date bounds and the point coordinates come in pairs.
type SearchParams struct {
	Dataset       string       `validate:"required"`
	Longitude     *float64     `validate:"required_with=Latitude,excluded_with=BBox"`
	Latitude      *float64     `validate:"required_with=Longitude,excluded_with=BBox"`
	BBox          []Coordinate `validate:"omitempty,len=2,excluded_with=Longitude Latitude"`
	MinCloudCover *int         `validate:"omitempty,min=0,max=100"`
	MaxCloudCover *int         `validate:"omitempty,min=0,max=100"`
	StartDate     string       `validate:"required_with=EndDate"`
	EndDate       string       `validate:"required_with=StartDate"`
	Months        []int        `validate:"omitempty,dive,min=0,max=12"`
	MaxResults    int          `validate:"omitempty,min=1"`
}

func (p SearchParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid search params: %w", err)
	}

	return nil
}

// loginPayload carries the credentials for the login endpoint.
type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// datasetPayload identifies a dataset by id or system-friendly name.
type datasetPayload struct {
	DatasetID   string `json:"datasetId,omitempty"`
	DatasetName string `json:"datasetName,omitempty"`
}

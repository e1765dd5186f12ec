package usgs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/italolelis/theia/internal/logctx"
)

// AddScenesToList adds scenes to a named scene list, typically as the step
// before bulk ordering. Returns the number of scenes the service accepted.
func (c *Client) AddScenesToList(ctx context.Context, payload SceneListAddPayload) (int, error) {
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	logger := logctx.LoggerFromContext(ctx).With("list_id", payload.ListID, "dataset", payload.DatasetName)

	logger.InfoContext(ctx, "adding scenes to scene list")

	data, err := c.send(ctx, "scene-list-add", payload)
	if err != nil {
		return 0, err
	}

	var added int
	if err := json.Unmarshal(data, &added); err != nil {
		return 0, fmt.Errorf("failed to decode scene-list-add result: %w", err)
	}

	logger.InfoContext(ctx, "scenes added to scene list", "added", added)

	return added, nil
}

// RemoveScenesFromList removes scenes from a scene list, or the whole list
// when the payload names no scenes.
func (c *Client) RemoveScenesFromList(ctx context.Context, payload SceneListRemovePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("list_id", payload.ListID)

	logger.InfoContext(ctx, "removing scenes from scene list")

	if _, err := c.send(ctx, "scene-list-remove", payload); err != nil {
		return err
	}

	logger.InfoContext(ctx, "scenes removed from scene list")

	return nil
}

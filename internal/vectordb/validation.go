package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when the collection's vector size does
// not match the configured embedding dimension
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// EnsureCollection creates the episode collection when it is missing and
// validates its dimension otherwise.
func (c *Client) EnsureCollection(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	collection := c.cfg.Collection
	info, found, err := c.getCollectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	if !found {
		if c.cfg.Dimension <= 0 {
			return fmt.Errorf("collection %s missing and no dimension configured", collection)
		}
		return c.createCollection(ctx, collection, c.cfg.Dimension)
	}
	if c.cfg.Dimension > 0 && info.VectorSize != c.cfg.Dimension {
		return DimensionMismatchError{
			Collection:        collection,
			ExpectedDimension: c.cfg.Dimension,
			ReceivedDimension: info.VectorSize,
		}
	}
	c.log.Info("Collection dimension validated",
		zap.String("collection", collection),
		zap.Int("dimension", info.VectorSize),
		zap.Int64("points", info.PointsCount))
	return nil
}

func (c *Client) createCollection(ctx context.Context, collection string, size int) error {
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": size, "distance": "Cosine"},
	}
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.base, collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("create collection %s: status %d", collection, resp.StatusCode)
	}
	c.log.Info("Collection created", zap.String("collection", collection), zap.Int("dimension", size))
	return nil
}

// getCollectionInfo retrieves collection information from Qdrant. found is
// false on 404.
func (c *Client) getCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.base, collection), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, err
	}
	return &CollectionInfo{
		Name:        collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, true, nil
}

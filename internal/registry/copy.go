package registry

import (
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

func copyDriver(d *models.Driver) models.Driver {
	c := *d
	c.Location = copyPoint(d.Location)
	return c
}

func copyPoint(p *models.Point) *models.Point {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortDrivers(ds []models.Driver) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}

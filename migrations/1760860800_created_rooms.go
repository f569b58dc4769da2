package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("rooms")

		// Anyone may list rooms; only superusers write them.
		collection.ListRule = types.Pointer("")
		collection.ViewRule = types.Pointer("")

		collection.Fields.Add(
			&core.TextField{
				Name:     "slug",
				Required: true,
				Max:      64,
				Pattern:  `^[a-z0-9][a-z0-9_-]*$`,
			},
			&core.TextField{
				Name: "name",
				Max:  200,
			},
			&core.SelectField{
				Name:      "room_type",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"karaoke", "comedy", "talent", "open_mic"},
			},
			&core.AutodateField{
				Name:     "created",
				OnCreate: true,
			},
			&core.AutodateField{
				Name:     "updated",
				OnCreate: true,
				OnUpdate: true,
			},
		)
		collection.AddIndex("idx_rooms_slug", true, "slug", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("rooms")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}

package main

type buildCmd struct {
	Tag     string `short:"t" help:"Name and optionally a tag."`
	Context string `arg:"" optional:"" default:"." help:"Build context."`
}

func (c *buildCmd) Run(app *application) error {
	return app.ContainerManager.Build(app.Ctx, c.Context, c.Tag)
}

type historyCmd struct {
	Image string `arg:"" help:"Image reference."`
}

func (c *historyCmd) Run(app *application) error {
	return app.ContainerManager.History(app.Ctx, c.Image)
}

type networkCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *networkCmd) Run(app *application) error {
	return app.ContainerManager.Networks(app.Ctx)
}

type volumeCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *volumeCmd) Run(app *application) error {
	return app.ContainerManager.Volumes(app.Ctx)
}

package main

import (
	"context"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"lab-peripherals/capperdecapper"
	"lab-peripherals/dht22"
	"lab-peripherals/electromagnet"
	"lab-peripherals/hotplateclamp"
	"lab-peripherals/hotplatefan"
	"lab-peripherals/switchingvalve"
)

type resourceModel struct {
	api   resource.API
	model resource.Model
}

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("lab-peripherals"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	module, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	for _, model := range []resourceModel{
		{generic.API, switchingvalve.ModelStepper},
		{generic.API, switchingvalve.ModelDC},
		{generic.API, electromagnet.Model},
		{generic.API, hotplatefan.Model},
		{generic.API, hotplateclamp.Model},
		{generic.API, capperdecapper.Model},
		{sensor.API, dht22.Model},
	} {
		if err = module.AddModelFromRegistry(ctx, model.api, model.model); err != nil {
			return err
		}
	}

	err = module.Start(ctx)
	defer module.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

package filters

import "github.com/MarcoPoloResearchLab/carwatch/internal/market"

// DefaultRegistry returns the car filters supported by av.by and kufar.by.
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(defaultDefinitions()...)
	if err != nil {
		panic(err)
	}
	return registry
}

func option(id, label string, av, kufar Value) Option {
	return Option{
		ID:    id,
		Label: label,
		Values: map[market.Source]Value{
			market.SourceAv:    av,
			market.SourceKufar: kufar,
		},
	}
}

func params(avKey string, avSingle bool, kufarKey string, kufarSingle bool) map[market.Source]SourceParam {
	return map[market.Source]SourceParam{
		market.SourceAv:    {Key: avKey, Single: avSingle},
		market.SourceKufar: {Key: kufarKey, Single: kufarSingle},
	}
}

func defaultDefinitions() []Filter {
	return []Filter{
		{
			Key:    "body_type",
			Label:  "Тип кузова",
			Params: params("body_type", false, "crt", false),
			Options: []Option{
				option("sedan", "Седан", Scalar("13"), Scalar("1")),
				option("wagon", "Универсал", Scalar("15"), Scalar("2")),
				option("hatchback", "Хэтчбек", List("16", "17"), Scalar("3")),
				option("suv", "Внедорожник", List("1", "2"), Scalar("5")),
				option("minivan", "Минивэн", Scalar("10"), Scalar("4")),
				option("coupe", "Купе", Scalar("4"), Scalar("6")),
			},
		},
		{
			Key:    "engine_type",
			Label:  "Тип двигателя",
			Params: params("engine_type", false, "cre", false),
			Options: []Option{
				option("petrol", "Бензин", Scalar("1"), Scalar("1")),
				option("diesel", "Дизель", Scalar("2"), Scalar("2")),
				option("electro", "Электро", Scalar("5"), Scalar("5")),
				option("hybrid", "Гибрид", List("3", "4"), Scalar("3")),
			},
		},
		{
			Key:    "transmission_type",
			Label:  "Коробка передач",
			Params: params("transmission_type", false, "crg", false),
			Options: []Option{
				option("automatic", "Автоматическая", Scalar("1"), Scalar("1")),
				option("manual", "Механическая", Scalar("2"), Scalar("2")),
			},
		},
		{
			Key:    "drive_type",
			Label:  "Привод",
			Params: params("drive_type", false, "crd", true),
			Options: []Option{
				option("front", "Передний", Scalar("1"), Scalar("1")),
				option("rear", "Задний", Scalar("2"), Scalar("2")),
				option("awd", "Полный", List("3", "4"), Scalar("3")),
			},
		},
		{
			Key:    "condition",
			Label:  "Состояние",
			Params: params("condition", true, "cnd", true),
			Options: []Option{
				option("used", "С пробегом", Scalar("1"), Scalar("1")),
				option("new", "Новый", Scalar("5"), Scalar("2")),
			},
		},
	}
}

package enrichment

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

func buildPrompt(listing market.Listing) string {
	title := fallback(listing.Title, "Без названия")
	specs := fallback(listing.SpecText, "Нет данных")
	description := fallback(listing.Description, "Нет описания")
	options := fallback(strings.Join(listing.Options, ", "), "Не указана")

	var builder strings.Builder
	builder.WriteString("Ты автомеханик с большим опытом подбора подержанных автомобилей в Беларуси и СНГ. ")
	builder.WriteString("Оцени автомобиль из объявления для покупателя: опирайся на знания о модели, ее типичных неисправностях и на данные объявления.\n\n")
	builder.WriteString("Объявление:\n")
	fmt.Fprintf(&builder, "Заголовок: %s\n", title)
	fmt.Fprintf(&builder, "Цена: $%d\n", listing.PriceUSD)
	fmt.Fprintf(&builder, "Параметры: %s\n", specs)
	fmt.Fprintf(&builder, "Описание продавца: %s\n", description)
	fmt.Fprintf(&builder, "Комплектация: %s\n\n", options)
	builder.WriteString("Структура ответа:\n")
	builder.WriteString("1. Вердикт по модели и модификации в одном-двух предложениях.\n")
	builder.WriteString("2. Два-три главных достоинства.\n")
	builder.WriteString("3. Два-четыре известных слабых места для этого двигателя и коробки передач.\n")
	builder.WriteString("4. Разбор текста и фотографий объявления: настораживающие и положительные признаки.\n")
	builder.WriteString("5. Три-четыре конкретные проверки при осмотре.\n")
	builder.WriteString("6. Итог: стоит ли ехать на осмотр и что уточнить у продавца по телефону.\n\n")
	builder.WriteString("Пиши кратко, обычным текстом без Markdown и HTML, пункты разделяй переносами строк.")
	return builder.String()
}

func fallback(value, placeholder string) string {
	if strings.TrimSpace(value) == "" {
		return placeholder
	}
	return value
}

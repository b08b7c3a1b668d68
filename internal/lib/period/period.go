// Package period содержит календарную арифметику расчётных периодов.
// Границы периода привязаны к якорному дню месяца (дню продления подписки),
// а не к фиксированному шагу в 30 дней: это исключает дрейф границ
// на месяцах разной длины.
package period

import "time"

// AnchorDay возвращает якорный день месяца, выведенный из даты продления.
func AnchorDay(renewsAt time.Time) int {
	return renewsAt.Day()
}

// daysIn возвращает количество дней в месяце, которому принадлежит момент
// через month месяцев после year/month.
func daysIn(year int, month time.Month) int {
	// День 0 следующего месяца — последний день текущего.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Next возвращает границу периода через один расчётный интервал (календарный
// месяц) после boundary. День берётся из anchorDay и ограничивается длиной
// целевого месяца: якорь 31 в феврале даёт 28-е или 29-е, при этом в более
// длинных месяцах граница возвращается на 31-е. Время суток сохраняется.
func Next(boundary time.Time, anchorDay int) time.Time {
	year, month, _ := boundary.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	day := anchorDay
	if last := daysIn(year, month); day > last {
		day = last
	}
	hour, minute, sec := boundary.Clock()
	return time.Date(year, month, day, hour, minute, sec, boundary.Nanosecond(), boundary.Location())
}

// AdvanceUntil продвигает границы [start, end) вперёд по расчётным интервалам,
// пока end не окажется строго позже now. Для пользователя, не появлявшегося
// несколько периодов, пропущенные интервалы схлопываются в одно продвижение:
// сброс счётчика выполняется один раз, а не по разу на каждый интервал.
func AdvanceUntil(end time.Time, anchorDay int, now time.Time) (newStart, newEnd time.Time) {
	newStart, newEnd = end, Next(end, anchorDay)
	for !newEnd.After(now) {
		newStart = newEnd
		newEnd = Next(newEnd, anchorDay)
	}
	return newStart, newEnd
}

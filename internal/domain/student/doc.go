// Package student содержит доменную модель ученика школы.
//
// Пакет определяет:
//
//   - Сущность Student: зачисление (класс, автобус, пансион) и статус
//   - Balances: материализованное представление долгов, которое пишет только леджер
//   - EnrollmentChange: частичное изменение зачисления без сброса истории платежей
//   - Интерфейс Repository и Filter для выборок
//
// # Владение балансами
//
// Поля Student.Balances пересчитываются леджером при каждом коммите платежа
// (см. пакет ledger). Команды не принимают балансы от клиентов: попытка
// записать их возвращает shared.ErrBalanceWrite (вид shared.ErrForbidden).
//
// # Пример
//
//	s, err := student.Enroll(student.EnrollParams{
//	    Name:            "Amina Wanjiru",
//	    AdmissionNumber: "ADM-0042",
//	    GradeID:         grade.ID,
//	    UsesBus:         true,
//	    DestinationID:   route.ID,
//	})
//	if err != nil {
//	    return err
//	}
//
//	changed, err := s.Apply(student.EnrollmentChange{GradeID: &nextGrade.ID}, time.Now())
package student
